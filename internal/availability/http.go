package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/circuitbreaker"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const defaultBatchConcurrency = 8

// HTTPGateway reads the catalog service over its REST API.
type HTTPGateway struct {
	baseURL     string
	client      *http.Client
	timeout     time.Duration
	breaker     *circuitbreaker.Breaker
	concurrency int
}

// NewHTTPGateway creates a catalog client. Every request is bounded by
// timeout; breaker may be nil.
func NewHTTPGateway(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *HTTPGateway {
	if breaker == nil {
		breaker = NewBreaker(nil)
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:     timeout,
		breaker:     breaker,
		concurrency: defaultBatchConcurrency,
	}
}

// NewBreaker returns the breaker settings used for the catalog. A missing
// product is an answer, not a failure. logger may be nil.
func NewBreaker(logger *slog.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:             "catalog",
		Logger:           logger,
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
		IsFailure: func(err error) bool {
			return !errors.Is(err, domain.ErrProductNotFound)
		},
	})
}

var _ Gateway = (*HTTPGateway)(nil)

func (g *HTTPGateway) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := g.breaker.Execute(func() error {
		return g.fetch(ctx, productID, &p)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProducts fetches each distinct id concurrently. The first unavailability
// error cancels the rest.
func (g *HTTPGateway) GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	var (
		mu     sync.Mutex
		result = make(map[string]domain.Product, len(productIDs))
		seen   = make(map[string]struct{}, len(productIDs))
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for _, id := range productIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		eg.Go(func() error {
			p, err := g.GetProduct(egCtx, id)
			if errors.Is(err, domain.ErrProductNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			result[id] = *p
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *HTTPGateway) CheckStock(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	return checkStock(ctx, g, productID, variantID, quantity)
}

func (g *HTTPGateway) fetch(ctx context.Context, productID string, out *domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/products/"+url.PathEscape(productID), nil)
	if err != nil {
		return fmt.Errorf("build catalog request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: catalog returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode product %s: %w", domain.ErrGatewayUnavailable, productID, err)
	}
	if out.ID == "" {
		out.ID = productID
	}
	return nil
}
