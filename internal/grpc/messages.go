package grpc

import (
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Owner identifies the shopper. Either field may be empty; user_id wins when
// both are set. Missing fields fall back to the user-id / session-id metadata.
type Owner struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type OwnerRequest struct {
	Owner
}

type AddItemRequest struct {
	Owner
	ProductID string           `json:"product_id"`
	VariantID string           `json:"variant_id,omitempty"`
	Quantity  int32            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type UpdateItemRequest struct {
	Owner
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int32  `json:"quantity"`
}

type RemoveItemRequest struct {
	Owner
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type ApplyCouponRequest struct {
	Owner
	Code string `json:"code"`
}

type MergeCartRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type CartResponse struct {
	Cart *domain.Cart `json:"cart"`
}

type Empty struct{}
