package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

// Gateway supplies live price and stock. Implementations bound every call and
// report failures as domain.ErrProductNotFound or domain.ErrGatewayUnavailable.
type Gateway interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	// GetProducts returns the products that exist, keyed by id. Unknown ids
	// are omitted rather than reported as errors.
	GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	CheckStock(ctx context.Context, productID, variantID string, quantity int) (bool, error)
}

// IsUnavailable reports whether err means the catalog could not answer.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrGatewayUnavailable)
}

// checkStock is the CheckStock implementation shared by gateways that can
// fetch a whole product.
func checkStock(ctx context.Context, g Gateway, productID, variantID string, quantity int) (bool, error) {
	p, err := g.GetProduct(ctx, productID)
	if err != nil {
		return false, err
	}
	offer, ok := p.Offer(variantID)
	if !ok {
		return false, fmt.Errorf("variant %s of %s: %w", variantID, productID, domain.ErrProductNotFound)
	}
	return offer.Allows(quantity), nil
}
