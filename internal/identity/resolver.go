package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/store"
)

// ErrNoCart means the owner has no cart yet; the caller creates one and
// registers it with Claim.
var ErrNoCart = errors.New("no cart for owner")

// Resolver maps a request owner to the cart it operates on. A user id takes
// precedence over a session id.
type Resolver struct {
	store      store.CartStore
	sessionTTL time.Duration
	userTTL    time.Duration
}

func NewResolver(s store.CartStore, sessionTTL, userTTL time.Duration) *Resolver {
	return &Resolver{store: s, sessionTTL: sessionTTL, userTTL: userTTL}
}

// Resolve looks up the owner's cart id. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, owner domain.Owner) (string, error) {
	if owner.IsZero() {
		return "", domain.ErrNoOwner
	}

	var (
		cartID string
		err    error
	)
	if owner.IsUser() {
		cartID, err = r.store.UserCartID(ctx, owner.UserID)
	} else {
		cartID, err = r.store.SessionCartID(ctx, owner.SessionID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoCart
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", owner.Key(), err)
	}
	return cartID, nil
}

// Claim registers cartID for the owner unless another cart won the race, and
// returns the cart id the owner maps to afterwards.
func (r *Resolver) Claim(ctx context.Context, owner domain.Owner, cartID string) (string, error) {
	if owner.IsZero() {
		return "", domain.ErrNoOwner
	}
	var (
		winner string
		err    error
	)
	if owner.IsUser() {
		winner, err = r.store.ClaimUserCart(ctx, owner.UserID, cartID, r.userTTL)
	} else {
		winner, err = r.store.ClaimSessionCart(ctx, owner.SessionID, cartID, r.sessionTTL)
	}
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", owner.Key(), err)
	}
	return winner, nil
}

// Assign points userID at cartID, replacing any previous mapping.
func (r *Resolver) Assign(ctx context.Context, userID, cartID string) error {
	if err := r.store.SetUserCart(ctx, userID, cartID, r.userTTL); err != nil {
		return fmt.Errorf("assign user %s: %w", userID, err)
	}
	return nil
}

// Pointer describes the owner's mapping so a cart write can keep it alive.
func (r *Resolver) Pointer(owner domain.Owner) store.Pointer {
	if owner.IsUser() {
		return store.Pointer{UserID: owner.UserID, TTL: r.userTTL}
	}
	return store.Pointer{SessionID: owner.SessionID, TTL: r.sessionTTL}
}

// Forget removes the owner's mapping. Missing mappings are not an error.
func (r *Resolver) Forget(ctx context.Context, owner domain.Owner) error {
	if owner.IsZero() {
		return domain.ErrNoOwner
	}
	if owner.IsUser() {
		return r.store.DeleteUserCart(ctx, owner.UserID)
	}
	return r.store.DeleteSession(ctx, owner.SessionID)
}
