package grpc

import (
	"context"
	"strings"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	s "github.com/fjod/go_cart/cart-engine/internal/service"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrorCodeTrailer carries domain.Code of a failed call.
const ErrorCodeTrailer = "cart-error-code"

type CartServiceServer struct {
	service *s.CartService
}

func NewCartServiceServer(service *s.CartService) *CartServiceServer {
	return &CartServiceServer{service: service}
}

var _ CartServer = (*CartServiceServer)(nil)

func (h *CartServiceServer) GetOrCreateCart(ctx context.Context, req *OwnerRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	cart, err := h.service.GetOrCreate(ctx, owner)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) GetCart(ctx context.Context, req *OwnerRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	cart, err := h.service.GetCart(ctx, owner)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) AddItem(ctx context.Context, req *AddItemRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}
	if req.Quantity <= 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must be greater than 0")
	}

	cart, err := h.service.AddItem(ctx, owner, s.AddItemRequest{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  int(req.Quantity),
		UnitPrice: req.UnitPrice,
	})
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) UpdateItem(ctx context.Context, req *UpdateItemRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}
	if req.Quantity < 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must not be negative")
	}
	cart, err := h.service.UpdateItem(ctx, owner, req.ProductID, req.VariantID, int(req.Quantity))
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) RemoveItem(ctx context.Context, req *RemoveItemRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}
	cart, err := h.service.RemoveItem(ctx, owner, req.ProductID, req.VariantID)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) ClearCart(ctx context.Context, req *OwnerRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	cart, err := h.service.ClearCart(ctx, owner)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) DeleteCart(ctx context.Context, req *OwnerRequest) (*Empty, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	if err := h.service.DeleteCart(ctx, owner); err != nil {
		return nil, toStatus(ctx, err)
	}
	return &Empty{}, nil
}

func (h *CartServiceServer) ApplyCoupon(ctx context.Context, req *ApplyCouponRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	cart, err := h.service.ApplyCoupon(ctx, owner, req.Code)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) RemoveCoupon(ctx context.Context, req *OwnerRequest) (*CartResponse, error) {
	owner, err := ownerFrom(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	cart, err := h.service.RemoveCoupon(ctx, owner)
	return cartResponse(ctx, cart, err)
}

func (h *CartServiceServer) MergeCart(ctx context.Context, req *MergeCartRequest) (*CartResponse, error) {
	if req.SessionID == "" || req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id and user_id are required")
	}
	cart, err := h.service.MergeCart(ctx, req.SessionID, req.UserID)
	return cartResponse(ctx, cart, err)
}

// ownerFrom fills missing owner fields from the user-id and session-id
// metadata set by the gateway.
func ownerFrom(ctx context.Context, o Owner) (domain.Owner, error) {
	owner := domain.Owner{UserID: strings.TrimSpace(o.UserID), SessionID: strings.TrimSpace(o.SessionID)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if owner.UserID == "" {
			owner.UserID = first(md.Get("user-id"))
		}
		if owner.SessionID == "" {
			owner.SessionID = first(md.Get("session-id"))
		}
	}
	if owner.IsZero() {
		return owner, status.Error(codes.InvalidArgument, "user_id or session_id is required")
	}
	return owner, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func cartResponse(ctx context.Context, cart *domain.Cart, err error) (*CartResponse, error) {
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &CartResponse{Cart: cart}, nil
}

// toStatus maps a service error to a gRPC status and records the domain code
// in the trailer.
func toStatus(ctx context.Context, err error) error {
	code := domain.Code(err)
	_ = gogrpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, code))
	return status.Error(grpcCode(code), err.Error())
}

func grpcCode(code string) codes.Code {
	switch code {
	case domain.CodeNotFound, domain.CodeExpired:
		return codes.NotFound
	case domain.CodeOutOfStock, domain.CodeInsufficient, domain.CodeCartFull,
		domain.CodeEmptyCart, domain.CodeInvalidCoupon:
		return codes.FailedPrecondition
	case domain.CodeInvalid:
		return codes.InvalidArgument
	case domain.CodeUnavailable:
		return codes.Unavailable
	case domain.CodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
