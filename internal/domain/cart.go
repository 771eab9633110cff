package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Items          []CartItem      `json:"items"`
	ItemCount      int             `json:"itemCount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	TaxAmount      decimal.Decimal `json:"taxAmount"`
	ShippingAmount decimal.Decimal `json:"shippingAmount"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Currency       string          `json:"currency"`
	CouponCode     string          `json:"couponCode,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastActivity   time.Time       `json:"lastActivity"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

type CartItem struct {
	ProductID         string          `json:"productId"`
	VariantID         string          `json:"variantId,omitempty"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unitPrice"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
	Name              string          `json:"name,omitempty"`
	SKU               string          `json:"sku,omitempty"`
	Image             string          `json:"image,omitempty"`
	Category          string          `json:"category,omitempty"`
	Brand             string          `json:"brand,omitempty"`
	IsInStock         bool            `json:"isInStock"`
	AvailableQuantity *int            `json:"availableQuantity,omitempty"`
	AddedAt           time.Time       `json:"addedAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// LineKey identifies a line inside a cart. A product without variants uses an
// empty VariantID.
type LineKey struct {
	ProductID string
	VariantID string
}

func (i CartItem) Key() LineKey {
	return LineKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// IsExpired reports whether the cart is past its expiry at now.
func (c *Cart) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Cart) IsGuest() bool {
	return c.UserID == ""
}

// IndexOf returns the position of the line with key k, or -1.
func (c *Cart) IndexOf(k LineKey) int {
	for i := range c.Items {
		if c.Items[i].Key() == k {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so mutations never touch a snapshot another
// goroutine (or a retried transaction) may still hold.
func (c Cart) Clone() Cart {
	out := c
	if c.Items != nil {
		out.Items = make([]CartItem, len(c.Items))
		for i, item := range c.Items {
			if item.AvailableQuantity != nil {
				q := *item.AvailableQuantity
				item.AvailableQuantity = &q
			}
			out.Items[i] = item
		}
	}
	return out
}

// Owner is the identity a request is attributed to. At least one field must be
// set; UserID wins when both are present.
type Owner struct {
	UserID    string
	SessionID string
}

func (o Owner) IsZero() bool {
	return o.UserID == "" && o.SessionID == ""
}

func (o Owner) IsUser() bool {
	return o.UserID != ""
}

// Key is a stable string for per-owner deduplication.
func (o Owner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "session:" + o.SessionID
}

func (o Owner) Kind() string {
	if o.UserID != "" {
		return "user"
	}
	return "guest"
}
