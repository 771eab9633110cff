package pricing

import (
	"math/rand"
	"testing"

	"github.com/fjod/go_cart/cart-engine/internal/coupon"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine() *Engine {
	return NewEngine(DefaultConfig(), coupon.NewStaticTable(coupon.DefaultRules()...))
}

func item(id string, price string, qty int) domain.CartItem {
	return domain.CartItem{ProductID: id, UnitPrice: dec(price), Quantity: qty}
}

func assertDec(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func TestCalculate_SingleItemBelowThreshold(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "20", 1)}, "")

	assertDec(t, "20", tot.Subtotal, "subtotal")
	assertDec(t, "0", tot.Discount, "discount")
	assertDec(t, "10", tot.Shipping, "shipping")
	assertDec(t, "1.60", tot.Tax, "tax")
	assertDec(t, "31.60", tot.Total, "total")
	assert.Equal(t, 1, tot.ItemCount)
}

func TestCalculate_FreeShippingThreshold(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "50", 3)}, "")

	assertDec(t, "150", tot.Subtotal, "subtotal")
	assertDec(t, "0", tot.Shipping, "shipping")
	assertDec(t, "12", tot.Tax, "tax")
	assertDec(t, "162", tot.Total, "total")
}

func TestCalculate_PercentageCoupon(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "25", 4)}, "SAVE10")

	assertDec(t, "100", tot.Subtotal, "subtotal")
	assertDec(t, "10.00", tot.Discount, "discount")
	assertDec(t, "0", tot.Shipping, "shipping")
	assertDec(t, "7.20", tot.Tax, "tax")
	assertDec(t, "97.20", tot.Total, "total")
}

func TestCalculate_FreeShippingCoupon(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "60", 1)}, "FREESHIP")

	assertDec(t, "0", tot.Discount, "discount")
	assertDec(t, "0", tot.Shipping, "shipping")
	assertDec(t, "4.80", tot.Tax, "tax")
	assertDec(t, "64.80", tot.Total, "total")
}

func TestCalculate_CouponPreconditionLost(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "30", 1)}, "FREESHIP")

	assertDec(t, "10", tot.Shipping, "shipping")
}

func TestCalculate_UnknownCouponIgnored(t *testing.T) {
	tot := newEngine().Calculate([]domain.CartItem{item("p1", "20", 1)}, "XYZZY")

	assertDec(t, "0", tot.Discount, "discount")
	assertDec(t, "31.60", tot.Total, "total")
}

func TestCalculate_EmptyCartIsZero(t *testing.T) {
	tot := newEngine().Calculate(nil, "SAVE10")

	assertDec(t, "0", tot.Subtotal, "subtotal")
	assertDec(t, "0", tot.Shipping, "shipping")
	assertDec(t, "0", tot.Tax, "tax")
	assertDec(t, "0", tot.Total, "total")
}

func TestCalculate_FixedCouponClampedToSubtotal(t *testing.T) {
	big := dec("1")
	e := NewEngine(DefaultConfig(), coupon.NewStaticTable(coupon.Rule{Code: "HUGE", Type: coupon.TypeFixed, Value: dec("500"), MinSubtotal: &big}))

	tot := e.Calculate([]domain.CartItem{item("p1", "20", 1)}, "HUGE")

	assertDec(t, "20", tot.Discount, "discount")
	assertDec(t, "0", tot.Tax, "tax")
	assertDec(t, "10", tot.Total, "total")
}

func TestCalculate_TotalsConsistentForRandomCarts(t *testing.T) {
	e := newEngine()
	rng := rand.New(rand.NewSource(42))
	codes := []string{"", "SAVE10", "SAVE20", "WELCOME5", "FREESHIP", "NOPE"}

	for i := 0; i < 500; i++ {
		var items []domain.CartItem
		for j := 0; j < rng.Intn(5); j++ {
			price := decimal.New(int64(rng.Intn(10000)), -2)
			items = append(items, domain.CartItem{ProductID: "p", UnitPrice: price, Quantity: 1 + rng.Intn(4)})
		}
		tot := e.Calculate(items, codes[rng.Intn(len(codes))])

		sum := tot.Subtotal.Sub(tot.Discount).Add(tot.Tax).Add(tot.Shipping)
		assert.True(t, tot.Total.Equal(sum))
		for _, v := range []decimal.Decimal{tot.Subtotal, tot.Discount, tot.Tax, tot.Shipping, tot.Total} {
			assert.False(t, v.IsNegative())
		}
	}
}

func TestReprice_SetsDerivedFields(t *testing.T) {
	cart := domain.Cart{Items: []domain.CartItem{item("p1", "19.99", 2), item("p2", "5", 1)}}

	out := newEngine().Reprice(cart)

	assert.Equal(t, 3, out.ItemCount)
	assertDec(t, "39.98", out.Items[0].TotalPrice, "line total")
	assertDec(t, "44.98", out.Subtotal, "subtotal")
	assertDec(t, "3.60", out.TaxAmount, "tax")
	assertDec(t, "58.58", out.TotalAmount, "total")
}
