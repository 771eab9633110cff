package availability

import (
	"context"
	"fmt"
	"sync"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

// MemoryGateway implements Gateway with an in-memory catalog
type MemoryGateway struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewMemoryGateway creates a catalog seeded with products
func NewMemoryGateway(products ...domain.Product) *MemoryGateway {
	g := &MemoryGateway{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		g.products[p.ID] = p
	}
	return g
}

var _ Gateway = (*MemoryGateway)(nil)

// GetProduct returns a copy of the product
func (g *MemoryGateway) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, exists := g.products[productID]
	if !exists {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound)
	}
	return &p, nil
}

// GetProducts returns the known products among productIDs
func (g *MemoryGateway) GetProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, exists := g.products[id]; exists {
			result[id] = p
		}
	}
	return result, nil
}

// CheckStock reports whether quantity units of the product/variant can be bought
func (g *MemoryGateway) CheckStock(ctx context.Context, productID, variantID string, quantity int) (bool, error) {
	return checkStock(ctx, g, productID, variantID, quantity)
}

// Put adds or replaces a product
func (g *MemoryGateway) Put(p domain.Product) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.products[p.ID] = p
}

// SetStock sets the tracked stock level of a product, or of one of its
// variants when variantID is set. A nil quantity stops tracking.
func (g *MemoryGateway) SetStock(productID, variantID string, quantity *int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.products[productID]
	if !exists {
		return fmt.Errorf("product %s: %w", productID, domain.ErrProductNotFound)
	}
	inStock := quantity == nil || *quantity > 0
	if variantID == "" {
		p.AvailableQuantity = quantity
		p.InStock = inStock
		g.products[productID] = p
		return nil
	}
	variants := append([]domain.Variant(nil), p.Variants...)
	for i := range variants {
		if variants[i].ID == variantID {
			variants[i].AvailableQuantity = quantity
			variants[i].InStock = inStock
			p.Variants = variants
			g.products[productID] = p
			return nil
		}
	}
	return fmt.Errorf("variant %s of %s: %w", variantID, productID, domain.ErrProductNotFound)
}

// Remove deletes a product from the catalog
func (g *MemoryGateway) Remove(productID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.products, productID)
}
