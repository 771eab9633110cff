package domain

import "errors"

var (
	ErrCartNotFound    = errors.New("cart not found")
	ErrItemNotFound    = errors.New("item not found in cart")
	ErrProductNotFound = errors.New("product not found")
	ErrCouponNotFound  = errors.New("coupon not found")

	ErrCartExpired        = errors.New("cart expired")
	ErrOutOfStock         = errors.New("product is out of stock")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCartFull           = errors.New("cart item limit reached")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvalidCoupon      = errors.New("invalid coupon")
	ErrGatewayUnavailable = errors.New("availability gateway unavailable")
	ErrStoreUnavailable   = errors.New("cart store unavailable")

	// ErrConcurrentModification means an optimistic write kept losing to
	// other writers of the same cart.
	ErrConcurrentModification = errors.New("cart modified concurrently")

	ErrNoOwner         = errors.New("user id or session id required")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error codes shared by the transports.
const (
	CodeNotFound      = "not_found"
	CodeExpired       = "cart_expired"
	CodeOutOfStock    = "out_of_stock"
	CodeInsufficient  = "insufficient_stock"
	CodeCartFull      = "cart_full"
	CodeEmptyCart     = "empty_cart"
	CodeInvalidCoupon = "invalid_coupon"
	CodeUnavailable   = "unavailable"
	CodeConflict      = "conflict"
	CodeInvalid       = "invalid_argument"
	CodeInternal      = "internal"
)

// Code maps err to a stable machine-readable code. Unknown errors are internal.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCartExpired):
		return CodeExpired
	case errors.Is(err, ErrCartNotFound), errors.Is(err, ErrItemNotFound),
		errors.Is(err, ErrProductNotFound), errors.Is(err, ErrCouponNotFound):
		return CodeNotFound
	case errors.Is(err, ErrOutOfStock):
		return CodeOutOfStock
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficient
	case errors.Is(err, ErrCartFull):
		return CodeCartFull
	case errors.Is(err, ErrEmptyCart):
		return CodeEmptyCart
	case errors.Is(err, ErrInvalidCoupon):
		return CodeInvalidCoupon
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrStoreUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrConcurrentModification):
		return CodeConflict
	case errors.Is(err, ErrNoOwner), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidArgument):
		return CodeInvalid
	default:
		return CodeInternal
	}
}
