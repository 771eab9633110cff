package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/events"
	"github.com/fjod/go_cart/cart-engine/internal/store"
)

// MergeCart folds the guest cart of sessionID into the cart of userID at
// login. The guest cart and its session mapping are deleted afterwards, so a
// repeated call finds nothing to merge and returns the user's cart unchanged.
// If the catalog is unreachable the merge is refused and the guest cart is
// left intact.
func (s *CartService) MergeCart(ctx context.Context, sessionID, userID string) (*domain.Cart, error) {
	cart, merged, err := s.mergeCart(ctx, sessionID, userID)
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case merged:
		result = "merged"
	}
	if s.metrics != nil {
		s.metrics.Merges.WithLabelValues(result).Inc()
	}
	s.observe("merge", err)
	return cart, err
}

// maxMergeAttempts bounds how often a merge refetches products for guest lines
// added while it was running.
const maxMergeAttempts = 3

var (
	errGuestExpired = errors.New("guest cart expired")
	errNewGuestLine = errors.New("guest cart gained unpriced lines")
)

func (s *CartService) mergeCart(ctx context.Context, sessionID, userID string) (*domain.Cart, bool, error) {
	if sessionID == "" || userID == "" {
		return nil, false, fmt.Errorf("%w: merge needs both session and user", domain.ErrNoOwner)
	}
	user := domain.Owner{UserID: userID}
	guest := domain.Owner{SessionID: sessionID}

	target, _, err := s.ensure(ctx, user, true)
	if err != nil {
		return nil, false, err
	}

	source, err := s.load(ctx, guest)
	if errors.Is(err, domain.ErrCartNotFound) || errors.Is(err, domain.ErrCartExpired) {
		return target, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if source.ID == target.ID {
		return target, false, nil
	}

	products := make(map[string]domain.Product)
	asked := make(map[string]bool)
	pending := productIDs(source.Items, asked)
	ttl := s.ttlFor(user)

	var merged, consumed *domain.Cart
	for attempt := 0; ; attempt++ {
		if len(pending) > 0 {
			found, err := s.catalog.GetProducts(ctx, pending)
			if err != nil {
				return nil, false, s.catalogError("get_products", err)
			}
			for _, id := range pending {
				asked[id] = true
			}
			for id, p := range found {
				products[id] = p
			}
		}

		merged, consumed, err = s.store.MergeGuest(ctx, sessionID, target.ID, ttl, func(g, t domain.Cart) (domain.Cart, error) {
			now := s.now()
			if g.IsExpired(now) {
				return t, errGuestExpired
			}
			if t.IsExpired(now) {
				return t, domain.ErrCartExpired
			}
			if pending = productIDs(g.Items, asked); len(pending) > 0 {
				return t, errNewGuestLine
			}
			return s.pricing.Reprice(touch(mergeLines(t, g.Items, products, s.cfg.MaxItems, now), ttl, now)), nil
		}, s.resolver.Pointer(user))
		if !errors.Is(err, errNewGuestLine) {
			break
		}
		if attempt+1 >= maxMergeAttempts {
			return nil, false, fmt.Errorf("merge guest cart %s: %w", source.ID, domain.ErrConcurrentModification)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrNoGuest):
		// a concurrent merge consumed the guest cart first
		cart, err := s.load(ctx, user)
		return cart, false, err
	case errors.Is(err, errGuestExpired):
		s.expire(ctx, guest, source.ID, nil)
		return target, false, nil
	case errors.Is(err, domain.ErrCartExpired):
		s.expire(ctx, user, target.ID, nil)
		return nil, false, err
	case errors.Is(err, store.ErrNotFound):
		s.forget(ctx, user)
		return nil, false, domain.ErrCartNotFound
	default:
		return nil, false, err
	}

	if err := s.resolver.Assign(ctx, userID, merged.ID); err != nil {
		return nil, false, err
	}
	if s.metrics != nil {
		s.metrics.ObserveCartValue(merged.TotalAmount)
	}
	s.publish(ctx, events.TypeMerged, merged)

	s.logger.InfoContext(ctx, "guest cart merged",
		"guest_cart_id", consumed.ID,
		"cart_id", merged.ID,
		"guest_lines", len(consumed.Items),
		"lines", len(merged.Items),
	)
	return merged, true, nil
}

// productIDs lists the distinct product ids of items not yet in asked.
func productIDs(items []domain.CartItem, asked map[string]bool) []string {
	var ids []string
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if asked[item.ProductID] || seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}
	return ids
}
