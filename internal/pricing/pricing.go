package pricing

import (
	"github.com/fjod/go_cart/cart-engine/internal/coupon"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const scale = 2

type Config struct {
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		TaxRate:               decimal.RequireFromString("0.08"),
		FreeShippingThreshold: decimal.NewFromInt(100),
		FlatShippingFee:       decimal.NewFromInt(10),
	}
}

type Totals struct {
	ItemCount int
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	Tax       decimal.Decimal
	Shipping  decimal.Decimal
	Total     decimal.Decimal
}

// Engine computes cart totals. It performs no I/O: coupon rules come from an
// in-process lookup.
type Engine struct {
	cfg     Config
	coupons coupon.Lookup
}

func NewEngine(cfg Config, coupons coupon.Lookup) *Engine {
	return &Engine{cfg: cfg, coupons: coupons}
}

// Calculate runs subtotal, discount, shipping, tax, total in that order. Every
// component is rounded to cents and clamped at zero, and Total is the exact sum
// of the rounded components.
func (e *Engine) Calculate(items []domain.CartItem, couponCode string) Totals {
	var t Totals
	t.Subtotal = decimal.Zero
	for _, item := range items {
		t.ItemCount += item.Quantity
		t.Subtotal = t.Subtotal.Add(lineTotal(item))
	}
	t.Subtotal = clamp(t.Subtotal.Round(scale))

	rule, hasRule := e.rule(couponCode)

	t.Discount = decimal.Zero
	if hasRule {
		t.Discount = clamp(decimal.Min(rule.Discount(t.Subtotal).Round(scale), t.Subtotal))
	}

	switch {
	case len(items) == 0 || t.ItemCount == 0:
		t.Shipping = decimal.Zero
	case hasRule && rule.FreeShipping(t.Subtotal):
		t.Shipping = decimal.Zero
	case t.Subtotal.GreaterThanOrEqual(e.cfg.FreeShippingThreshold):
		t.Shipping = decimal.Zero
	default:
		t.Shipping = clamp(e.cfg.FlatShippingFee.Round(scale))
	}

	t.Tax = clamp(t.Subtotal.Sub(t.Discount).Mul(e.cfg.TaxRate).Round(scale))
	t.Total = t.Subtotal.Sub(t.Discount).Add(t.Shipping).Add(t.Tax)
	return t
}

// Reprice returns cart with line totals and every derived field recomputed.
func (e *Engine) Reprice(cart domain.Cart) domain.Cart {
	cart = cart.Clone()
	for i := range cart.Items {
		cart.Items[i].TotalPrice = lineTotal(cart.Items[i]).Round(scale)
	}
	t := e.Calculate(cart.Items, cart.CouponCode)
	cart.ItemCount = t.ItemCount
	cart.Subtotal = t.Subtotal
	cart.DiscountAmount = t.Discount
	cart.TaxAmount = t.Tax
	cart.ShippingAmount = t.Shipping
	cart.TotalAmount = t.Total
	return cart
}

func (e *Engine) rule(code string) (coupon.Rule, bool) {
	if code == "" || e.coupons == nil {
		return coupon.Rule{}, false
	}
	return e.coupons.Lookup(code)
}

func lineTotal(item domain.CartItem) decimal.Decimal {
	if item.Quantity <= 0 {
		return decimal.Zero
	}
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

func clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
