package store

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap kept losing to
	// concurrent writers after all attempts.
	ErrConflict = domain.ErrConcurrentModification
	ErrExists   = errors.New("record already exists")
	// ErrNoGuest is returned by MergeGuest when the session maps to no guest
	// cart, typically because a concurrent merge already consumed it.
	ErrNoGuest = errors.New("no guest cart to merge")
)

// MutateFunc derives the next cart from the current one. It may be called
// more than once for a single UpdateCart when a concurrent write is detected,
// so it must not have side effects.
type MutateFunc func(current domain.Cart) (domain.Cart, error)

// MergeFunc folds guest into target and returns the next target. Like
// MutateFunc it may run more than once.
type MergeFunc func(guest, target domain.Cart) (domain.Cart, error)

// Pointer is an owner mapping whose TTL is extended in the same transaction
// as a cart write. The mapping is kept for at least as long as the cart.
type Pointer struct {
	SessionID string
	UserID    string
	TTL       time.Duration
}

func (p Pointer) key() string {
	if p.UserID != "" {
		return userCartKey(p.UserID)
	}
	if p.SessionID != "" {
		return sessionKey(p.SessionID)
	}
	return ""
}

// CartStore holds carts and the session/user pointers to them. It applies no
// business rules.
type CartStore interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart, ttl time.Duration) error
	UpdateCart(ctx context.Context, cartID string, ttl time.Duration, fn MutateFunc, keep ...Pointer) (*domain.Cart, error)
	DeleteCart(ctx context.Context, cartID string) error

	SessionCartID(ctx context.Context, sessionID string) (string, error)
	// ClaimSessionCart maps sessionID to cartID unless a mapping already
	// exists, and returns the cart id that owns the session afterwards.
	ClaimSessionCart(ctx context.Context, sessionID, cartID string, ttl time.Duration) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error

	UserCartID(ctx context.Context, userID string) (string, error)
	ClaimUserCart(ctx context.Context, userID, cartID string, ttl time.Duration) (string, error)
	SetUserCart(ctx context.Context, userID, cartID string, ttl time.Duration) error
	DeleteUserCart(ctx context.Context, userID string) error

	// DeleteGuest removes a guest cart and its session pointer together.
	DeleteGuest(ctx context.Context, cartID, sessionID string) error
	// MergeGuest stores fn(guest, target) as targetID and deletes the guest
	// cart of sessionID with its pointer, all in one transaction. It returns
	// the new target and the consumed guest cart.
	MergeGuest(ctx context.Context, sessionID, targetID string, ttl time.Duration, fn MergeFunc, keep ...Pointer) (*domain.Cart, *domain.Cart, error)

	Ping(ctx context.Context) error
}

func cartKey(cartID string) string {
	return "cart:" + cartID
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func userCartKey(userID string) string {
	return "user:cart:" + userID
}
