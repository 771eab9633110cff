package poller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultTopic = "checkout-outbox"
	GroupID      = "cart-service-consumer"
)

// CartDeleter drops the cart of a shopper who completed checkout.
type CartDeleter interface {
	DeleteCart(ctx context.Context, owner domain.Owner) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CheckoutCompleted is the part of the checkout outbox payload the cart cares
// about.
type CheckoutCompleted struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
}

// Poller consumes completed checkouts and deletes the purchased carts.
type Poller struct {
	carts      CartDeleter
	reader     messageReader
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewPoller(carts CartDeleter, logger *slog.Logger, topic string, brokers ...string) *Poller {
	if topic == "" {
		topic = DefaultTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{carts: carts, reader: reader, logger: logger, retryDelay: time.Second}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("error reading checkout message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
			continue
		}
		p.processMessage(ctx, m)
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.logger.Error("error closing checkout reader", "error", err)
	}
}

// processMessage deletes the cart named by one checkout message. Bad payloads
// are logged and skipped so they never block the partition.
func (p *Poller) processMessage(ctx context.Context, m kafka.Message) {
	var payload CheckoutCompleted
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		p.logger.Warn("error parsing checkout message", "offset", m.Offset, "error", err)
		return
	}
	owner := domain.Owner{
		UserID:    strings.TrimSpace(payload.UserID),
		SessionID: strings.TrimSpace(payload.SessionID),
	}
	if owner.IsZero() {
		p.logger.Warn("checkout message without owner", "offset", m.Offset, "checkout_id", payload.CheckoutID)
		return
	}

	err := p.carts.DeleteCart(ctx, owner)
	if err != nil && !errors.Is(err, domain.ErrCartNotFound) {
		p.logger.Error("failed to delete purchased cart",
			"checkout_id", payload.CheckoutID,
			"owner", owner.Key(),
			"error", err,
		)
		return
	}
	p.logger.Info("purchased cart deleted", "checkout_id", payload.CheckoutID, "owner", owner.Key())
}
