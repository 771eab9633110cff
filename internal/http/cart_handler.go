package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Carts is the slice of the cart service the REST boundary needs.
type Carts interface {
	GetOrCreate(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	AddItem(ctx context.Context, owner domain.Owner, req service.AddItemRequest) (*domain.Cart, error)
	UpdateItem(ctx context.Context, owner domain.Owner, productID, variantID string, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, owner domain.Owner, productID, variantID string) (*domain.Cart, error)
	ClearCart(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	ApplyCoupon(ctx context.Context, owner domain.Owner, code string) (*domain.Cart, error)
	RemoveCoupon(ctx context.Context, owner domain.Owner) (*domain.Cart, error)
	MergeCart(ctx context.Context, sessionID, userID string) (*domain.Cart, error)
}

type CartHandler struct {
	carts    Carts
	timeout  time.Duration
	validate *validator.Validate
	logger   *slog.Logger
}

func NewCartHandler(carts Carts, timeout time.Duration, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		timeout:  timeout,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id" validate:"required"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity" validate:"min=1,max=99"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity" validate:"min=0,max=99"`
}

type ApplyCouponRequestDTO struct {
	Code string `json:"code" validate:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.carts.GetOrCreate(ctx, ownerFromContext(r.Context()))
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, err := h.carts.AddItem(ctx, ownerFromContext(r.Context()), service.AddItemRequest{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
	})
	h.respondCart(w, http.StatusCreated, cart, err)
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, err := h.carts.UpdateItem(ctx, ownerFromContext(r.Context()), productID, r.URL.Query().Get("variant_id"), req.Quantity)
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	cart, err := h.carts.RemoveItem(ctx, ownerFromContext(r.Context()), productID, r.URL.Query().Get("variant_id"))
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.carts.ClearCart(ctx, ownerFromContext(r.Context()))
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ApplyCouponRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, err := h.carts.ApplyCoupon(ctx, ownerFromContext(r.Context()), req.Code)
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cart, err := h.carts.RemoveCoupon(ctx, ownerFromContext(r.Context()))
	h.respondCart(w, http.StatusOK, cart, err)
}

// MergeCart folds the request's guest session into the signed-in user's cart.
func (h *CartHandler) MergeCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	owner := ownerFromContext(r.Context())
	if !owner.IsUser() {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	cart, err := h.carts.MergeCart(ctx, owner.SessionID, owner.UserID)
	h.respondCart(w, http.StatusOK, cart, err)
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "validation failed",
				Code:    domain.CodeInvalid,
				Details: verrs[0].Field() + " failed " + verrs[0].Tag(),
			})
			return false
		}
		respondError(w, http.StatusBadRequest, domain.CodeInvalid, err.Error())
		return false
	}
	return true
}

func (h *CartHandler) respondCart(w http.ResponseWriter, status int, cart *domain.Cart, err error) {
	if err != nil {
		code := domain.Code(err)
		httpStatus := statusFor(code)
		if httpStatus >= http.StatusInternalServerError {
			h.logger.Error("cart request failed", "code", code, "error", err)
		}
		respondError(w, httpStatus, code, err.Error())
		return
	}
	respondJSON(w, status, cart)
}

func statusFor(code string) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeExpired:
		return http.StatusGone
	case domain.CodeOutOfStock, domain.CodeInsufficient, domain.CodeCartFull, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeEmptyCart, domain.CodeInvalidCoupon:
		return http.StatusUnprocessableEntity
	case domain.CodeInvalid:
		return http.StatusBadRequest
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
