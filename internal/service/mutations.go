package service

import (
	"fmt"
	"slices"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// The functions in this file derive a new cart from a private snapshot and do
// no I/O, so the store may re-run them against a fresher snapshot after losing
// a race.

func addLine(c domain.Cart, offer domain.Offer, qty int, price *decimal.Decimal, maxItems int, now time.Time) (domain.Cart, error) {
	if qty < 1 {
		return c, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, qty)
	}
	if !offer.Purchasable() {
		return c, fmt.Errorf("%s: %w", offer.ProductID, domain.ErrOutOfStock)
	}

	key := domain.LineKey{ProductID: offer.ProductID, VariantID: offer.VariantID}
	idx := c.IndexOf(key)
	wanted := qty
	if idx >= 0 {
		wanted += c.Items[idx].Quantity
	}
	if !offer.Allows(wanted) {
		return c, fmt.Errorf("%s: requested %d, available %d: %w", offer.ProductID, wanted, *offer.Available, domain.ErrInsufficientStock)
	}
	if countItems(c.Items)+qty > maxItems {
		return c, fmt.Errorf("%w: limit is %d", domain.ErrCartFull, maxItems)
	}

	unitPrice := offer.Price
	if price != nil {
		unitPrice = *price
	}

	if idx >= 0 {
		line := refreshLine(c.Items[idx], offer)
		line.Quantity = wanted
		line.UnitPrice = unitPrice
		line.UpdatedAt = now
		c.Items[idx] = line
		return c, nil
	}

	line := newLine(offer, qty, now)
	line.UnitPrice = unitPrice
	c.Items = append(c.Items, line)
	return c, nil
}

// setQuantity replaces the quantity of an existing line. Zero removes it.
func setQuantity(c domain.Cart, key domain.LineKey, qty, maxItems int, now time.Time) (domain.Cart, error) {
	if qty == 0 {
		return removeLine(c, key)
	}
	if qty < 0 {
		return c, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, qty)
	}
	idx := c.IndexOf(key)
	if idx < 0 {
		return c, fmt.Errorf("%s: %w", key.ProductID, domain.ErrItemNotFound)
	}
	if countItems(c.Items)-c.Items[idx].Quantity+qty > maxItems {
		return c, fmt.Errorf("%w: limit is %d", domain.ErrCartFull, maxItems)
	}
	c.Items[idx].Quantity = qty
	c.Items[idx].UpdatedAt = now
	return c, nil
}

func removeLine(c domain.Cart, key domain.LineKey) (domain.Cart, error) {
	idx := c.IndexOf(key)
	if idx < 0 {
		return c, fmt.Errorf("%s: %w", key.ProductID, domain.ErrItemNotFound)
	}
	c.Items = slices.Delete(c.Items, idx, idx+1)
	return c, nil
}

func clearCart(c domain.Cart) domain.Cart {
	c.Items = []domain.CartItem{}
	c.CouponCode = ""
	return c
}

func setCoupon(c domain.Cart, code string) (domain.Cart, error) {
	if len(c.Items) == 0 {
		return c, domain.ErrEmptyCart
	}
	c.CouponCode = code
	return c, nil
}

func dropCoupon(c domain.Cart) domain.Cart {
	c.CouponCode = ""
	return c
}

// revalidate refreshes every line from the live catalog. Lines whose product
// or variant is gone, or that cannot be bought at all, are dropped; the rest
// are clamped to available stock.
func revalidate(c domain.Cart, products map[string]domain.Product) domain.Cart {
	kept := make([]domain.CartItem, 0, len(c.Items))
	for _, item := range c.Items {
		p, ok := products[item.ProductID]
		if !ok {
			continue
		}
		offer, ok := p.Offer(item.VariantID)
		if !ok || !offer.Purchasable() {
			continue
		}
		qty := offer.Clamp(item.Quantity)
		if qty <= 0 {
			continue
		}
		line := refreshLine(item, offer)
		line.UnitPrice = offer.Price
		line.Quantity = qty
		kept = append(kept, line)
	}
	c.Items = kept
	return c
}

// mergeLines folds guest lines into the target. Quantities for a shared line
// are summed; every line is bounded by stock and by the remaining capacity of
// the target. Lines the catalog cannot supply are skipped.
func mergeLines(target domain.Cart, guest []domain.CartItem, products map[string]domain.Product, maxItems int, now time.Time) domain.Cart {
	for _, g := range guest {
		p, ok := products[g.ProductID]
		if !ok {
			continue
		}
		offer, ok := p.Offer(g.VariantID)
		if !ok || !offer.Purchasable() {
			continue
		}

		count := countItems(target.Items)
		idx := target.IndexOf(g.Key())
		if idx >= 0 {
			existing := target.Items[idx].Quantity
			qty := min(offer.Clamp(existing+g.Quantity), maxItems-(count-existing))
			if qty <= 0 {
				continue
			}
			line := refreshLine(target.Items[idx], offer)
			line.UnitPrice = offer.Price
			line.Quantity = qty
			line.UpdatedAt = now
			target.Items[idx] = line
			continue
		}

		if count >= maxItems {
			continue
		}
		qty := min(offer.Clamp(g.Quantity), maxItems-count)
		if qty <= 0 {
			continue
		}
		line := refreshLine(g, offer)
		line.UnitPrice = offer.Price
		line.Quantity = qty
		line.UpdatedAt = now
		if line.AddedAt.IsZero() {
			line.AddedAt = now
		}
		target.Items = append(target.Items, line)
	}
	return target
}

// touch stamps activity and pushes the expiry out by ttl.
func touch(c domain.Cart, ttl time.Duration, now time.Time) domain.Cart {
	c.UpdatedAt = now
	c.LastActivity = now
	c.ExpiresAt = now.Add(ttl)
	return c
}

func newLine(offer domain.Offer, qty int, now time.Time) domain.CartItem {
	line := refreshLine(domain.CartItem{
		ProductID: offer.ProductID,
		VariantID: offer.VariantID,
		AddedAt:   now,
	}, offer)
	line.Quantity = qty
	line.UnitPrice = offer.Price
	line.UpdatedAt = now
	return line
}

// refreshLine copies display and stock fields from offer. Price and quantity
// are left to the caller.
func refreshLine(item domain.CartItem, offer domain.Offer) domain.CartItem {
	item.Name = offer.Name
	item.SKU = offer.SKU
	item.Image = offer.Image
	item.Category = offer.Category
	item.Brand = offer.Brand
	item.IsInStock = offer.InStock
	item.AvailableQuantity = nil
	if offer.Available != nil {
		avail := *offer.Available
		item.AvailableQuantity = &avail
	}
	return item
}

func countItems(items []domain.CartItem) int {
	n := 0
	for _, item := range items {
		n += item.Quantity
	}
	return n
}
