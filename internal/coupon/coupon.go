package coupon

import (
	"context"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypePercentage   Type = "percentage"
	TypeFixed        Type = "fixed"
	TypeFreeShipping Type = "free_shipping"
)

// Rule is the discount a coupon code resolves to. Value is a rate in [0,1] for
// percentage rules and a currency amount for fixed rules.
type Rule struct {
	Code        string
	Type        Type
	Value       decimal.Decimal
	MinSubtotal *decimal.Decimal
}

// Qualifies reports whether subtotal meets the rule's precondition.
func (r Rule) Qualifies(subtotal decimal.Decimal) bool {
	return r.MinSubtotal == nil || subtotal.GreaterThanOrEqual(*r.MinSubtotal)
}

// Discount is the amount taken off subtotal. It never exceeds subtotal and is
// zero for free-shipping rules or when the precondition is not met.
func (r Rule) Discount(subtotal decimal.Decimal) decimal.Decimal {
	if !r.Qualifies(subtotal) || !subtotal.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch r.Type {
	case TypePercentage:
		d = subtotal.Mul(r.Value)
	case TypeFixed:
		d = r.Value
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, subtotal)
}

// FreeShipping reports whether the rule waives shipping at subtotal.
func (r Rule) FreeShipping(subtotal decimal.Decimal) bool {
	return r.Type == TypeFreeShipping && r.Qualifies(subtotal)
}

// Lookup resolves a code without side effects.
type Lookup interface {
	Lookup(code string) (Rule, bool)
}

// Validator checks that a coupon may be applied to a cart with the given
// subtotal. Unknown codes fail closed.
type Validator interface {
	Validate(ctx context.Context, code string, subtotal decimal.Decimal) (Rule, error)
}

// StaticTable is an in-memory rule table keyed by normalized code.
type StaticTable struct {
	rules map[string]Rule
}

func NewStaticTable(rules ...Rule) *StaticTable {
	t := &StaticTable{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		r.Code = Normalize(r.Code)
		t.rules[r.Code] = r
	}
	return t
}

// DefaultRules is the starter rule table.
func DefaultRules() []Rule {
	fifty := decimal.NewFromInt(50)
	twentyFive := decimal.NewFromInt(25)
	return []Rule{
		{Code: "SAVE10", Type: TypePercentage, Value: decimal.RequireFromString("0.10")},
		{Code: "SAVE20", Type: TypePercentage, Value: decimal.RequireFromString("0.20"), MinSubtotal: &fifty},
		{Code: "WELCOME5", Type: TypeFixed, Value: decimal.NewFromInt(5), MinSubtotal: &twentyFive},
		{Code: "FREESHIP", Type: TypeFreeShipping, Value: decimal.Zero, MinSubtotal: &fifty},
	}
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (t *StaticTable) Lookup(code string) (Rule, bool) {
	r, ok := t.rules[Normalize(code)]
	return r, ok
}

func (t *StaticTable) Validate(_ context.Context, code string, subtotal decimal.Decimal) (Rule, error) {
	r, ok := t.Lookup(code)
	if !ok {
		return Rule{}, fmt.Errorf("%w: unknown code %q", domain.ErrInvalidCoupon, code)
	}
	if !r.Qualifies(subtotal) {
		return Rule{}, fmt.Errorf("%w: %s requires a subtotal of at least %s", domain.ErrInvalidCoupon, r.Code, r.MinSubtotal.StringFixed(2))
	}
	return r, nil
}
