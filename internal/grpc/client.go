package grpc

import (
	"context"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// CartServiceClient is the client API for cart.CartService, used by order
// creation and the gateway.
type CartServiceClient interface {
	GetOrCreateCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	GetCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	AddItem(ctx context.Context, in *AddItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	UpdateItem(ctx context.Context, in *UpdateItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	RemoveItem(ctx context.Context, in *RemoveItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	ClearCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	DeleteCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*Empty, error)
	ApplyCoupon(ctx context.Context, in *ApplyCouponRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	RemoveCoupon(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
	MergeCart(ctx context.Context, in *MergeCartRequest, opts ...gogrpc.CallOption) (*CartResponse, error)
}

type cartServiceClient struct {
	cc gogrpc.ClientConnInterface
}

func NewCartServiceClient(cc gogrpc.ClientConnInterface) CartServiceClient {
	return &cartServiceClient{cc: cc}
}

func (c *cartServiceClient) GetOrCreateCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "GetOrCreateCart", in, opts)
}

func (c *cartServiceClient) GetCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "GetCart", in, opts)
}

func (c *cartServiceClient) AddItem(ctx context.Context, in *AddItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "AddItem", in, opts)
}

func (c *cartServiceClient) UpdateItem(ctx context.Context, in *UpdateItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "UpdateItem", in, opts)
}

func (c *cartServiceClient) RemoveItem(ctx context.Context, in *RemoveItemRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "RemoveItem", in, opts)
}

func (c *cartServiceClient) ClearCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "ClearCart", in, opts)
}

func (c *cartServiceClient) DeleteCart(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "DeleteCart", in, opts)
}

func (c *cartServiceClient) ApplyCoupon(ctx context.Context, in *ApplyCouponRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "ApplyCoupon", in, opts)
}

func (c *cartServiceClient) RemoveCoupon(ctx context.Context, in *OwnerRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "RemoveCoupon", in, opts)
}

func (c *cartServiceClient) MergeCart(ctx context.Context, in *MergeCartRequest, opts ...gogrpc.CallOption) (*CartResponse, error) {
	return invoke[CartResponse](ctx, c.cc, "MergeCart", in, opts)
}

func invoke[Resp any](ctx context.Context, cc gogrpc.ClientConnInterface, method string, in any, opts []gogrpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]gogrpc.CallOption{gogrpc.CallContentSubtype(codecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WithOwner attaches the owner as outgoing metadata, for callers that do not
// set it on the request.
func WithOwner(ctx context.Context, owner domain.Owner) context.Context {
	var kv []string
	if owner.UserID != "" {
		kv = append(kv, "user-id", owner.UserID)
	}
	if owner.SessionID != "" {
		kv = append(kv, "session-id", owner.SessionID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// ErrorCode returns the domain error code the server recorded for a failed
// call, read from the trailer captured with grpc.Trailer.
func ErrorCode(trailer metadata.MD) string {
	return first(trailer.Get(ErrorCodeTrailer))
}
