package grpc

import (
	"context"

	gogrpc "google.golang.org/grpc"
)

const ServiceName = "cart.CartService"

// CartServer is the server API for cart.CartService.
type CartServer interface {
	GetOrCreateCart(context.Context, *OwnerRequest) (*CartResponse, error)
	GetCart(context.Context, *OwnerRequest) (*CartResponse, error)
	AddItem(context.Context, *AddItemRequest) (*CartResponse, error)
	UpdateItem(context.Context, *UpdateItemRequest) (*CartResponse, error)
	RemoveItem(context.Context, *RemoveItemRequest) (*CartResponse, error)
	ClearCart(context.Context, *OwnerRequest) (*CartResponse, error)
	DeleteCart(context.Context, *OwnerRequest) (*Empty, error)
	ApplyCoupon(context.Context, *ApplyCouponRequest) (*CartResponse, error)
	RemoveCoupon(context.Context, *OwnerRequest) (*CartResponse, error)
	MergeCart(context.Context, *MergeCartRequest) (*CartResponse, error)
}

func RegisterCartServiceServer(s gogrpc.ServiceRegistrar, srv CartServer) {
	s.RegisterService(&CartServiceDesc, srv)
}

var CartServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CartServer)(nil),
	Methods: []gogrpc.MethodDesc{
		unary("GetOrCreateCart", func(s CartServer, ctx context.Context, in *OwnerRequest) (any, error) {
			return s.GetOrCreateCart(ctx, in)
		}),
		unary("GetCart", func(s CartServer, ctx context.Context, in *OwnerRequest) (any, error) {
			return s.GetCart(ctx, in)
		}),
		unary("AddItem", func(s CartServer, ctx context.Context, in *AddItemRequest) (any, error) {
			return s.AddItem(ctx, in)
		}),
		unary("UpdateItem", func(s CartServer, ctx context.Context, in *UpdateItemRequest) (any, error) {
			return s.UpdateItem(ctx, in)
		}),
		unary("RemoveItem", func(s CartServer, ctx context.Context, in *RemoveItemRequest) (any, error) {
			return s.RemoveItem(ctx, in)
		}),
		unary("ClearCart", func(s CartServer, ctx context.Context, in *OwnerRequest) (any, error) {
			return s.ClearCart(ctx, in)
		}),
		unary("DeleteCart", func(s CartServer, ctx context.Context, in *OwnerRequest) (any, error) {
			return s.DeleteCart(ctx, in)
		}),
		unary("ApplyCoupon", func(s CartServer, ctx context.Context, in *ApplyCouponRequest) (any, error) {
			return s.ApplyCoupon(ctx, in)
		}),
		unary("RemoveCoupon", func(s CartServer, ctx context.Context, in *OwnerRequest) (any, error) {
			return s.RemoveCoupon(ctx, in)
		}),
		unary("MergeCart", func(s CartServer, ctx context.Context, in *MergeCartRequest) (any, error) {
			return s.MergeCart(ctx, in)
		}),
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "cart.json",
}

func unary[Req any](method string, call func(CartServer, context.Context, *Req) (any, error)) gogrpc.MethodDesc {
	return gogrpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CartServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &gogrpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
