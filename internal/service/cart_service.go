package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/availability"
	"github.com/fjod/go_cart/cart-engine/internal/coupon"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/events"
	"github.com/fjod/go_cart/cart-engine/internal/identity"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/internal/pricing"
	"github.com/fjod/go_cart/cart-engine/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// sharedCallTimeout bounds a deduplicated GetOrCreate, which runs detached
// from the caller that started it.
const sharedCallTimeout = 10 * time.Second

type Config struct {
	GuestTTL time.Duration
	UserTTL  time.Duration
	MaxItems int
	Currency string
}

func DefaultConfig() Config {
	return Config{
		GuestTTL: 7 * 24 * time.Hour,
		UserTTL:  30 * 24 * time.Hour,
		MaxItems: 50,
		Currency: "USD",
	}
}

type Option func(*CartService)

func WithLogger(l *slog.Logger) Option {
	return func(s *CartService) { s.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *CartService) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *CartService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *CartService) { s.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *CartService) { s.newID = fn }
}

// AddItemRequest is the input of AddItem. UnitPrice overrides the catalog
// price when set.
type AddItemRequest struct {
	ProductID string
	VariantID string
	Quantity  int
	UnitPrice *decimal.Decimal
}

type CartService struct {
	store    store.CartStore
	resolver *identity.Resolver
	catalog  availability.Gateway
	coupons  coupon.Validator
	pricing  *pricing.Engine
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
	sfg      singleflight.Group // one cart creation per owner at a time
}

func NewCartService(
	s store.CartStore,
	resolver *identity.Resolver,
	catalog availability.Gateway,
	coupons coupon.Validator,
	engine *pricing.Engine,
	cfg Config,
	opts ...Option,
) *CartService {
	def := DefaultConfig()
	if cfg.GuestTTL <= 0 {
		cfg.GuestTTL = def.GuestTTL
	}
	if cfg.UserTTL <= 0 {
		cfg.UserTTL = def.UserTTL
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = def.MaxItems
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}

	svc := &CartService{
		store:    s,
		resolver: resolver,
		catalog:  catalog,
		coupons:  coupons,
		pricing:  engine,
		events:   events.NopPublisher{},
		logger:   slog.Default(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// GetOrCreate returns the owner's cart, creating an empty one when the owner
// has none or the previous one expired. An existing cart is revalidated
// against the catalog; if the catalog is unreachable the stored cart is served
// as is.
func (s *CartService) GetOrCreate(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, domain.ErrNoOwner
	}
	// The shared call outlives any single caller, so a cancelled request
	// cannot fail the others waiting on it.
	ch := s.sfg.DoChan(owner.Key(), func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		cart, created, err := s.ensure(ctx, owner, true)
		if err != nil || created {
			return cart, err
		}
		return s.refresh(ctx, owner, cart)
	})

	var (
		cart *domain.Cart
		err  error
	)
	select {
	case res := <-ch:
		err = res.Err
		if err == nil {
			cart = res.Val.(*domain.Cart)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.observe("get_or_create", err)
	return cart, err
}

// GetCart returns the owner's revalidated cart without creating one.
func (s *CartService) GetCart(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	cart, err := s.load(ctx, owner)
	if err == nil {
		cart, err = s.refresh(ctx, owner, cart)
	}
	s.observe("get", err)
	return cart, err
}

func (s *CartService) AddItem(ctx context.Context, owner domain.Owner, req AddItemRequest) (*domain.Cart, error) {
	cart, err := s.addItem(ctx, owner, req)
	s.observe("add_item", err)
	return cart, err
}

func (s *CartService) addItem(ctx context.Context, owner domain.Owner, req AddItemRequest) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, domain.ErrNoOwner
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return nil, fmt.Errorf("%w: product id required", domain.ErrInvalidArgument)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, req.Quantity)
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: negative unit price", domain.ErrInvalidArgument)
	}

	offer, err := s.offer(ctx, req.ProductID, req.VariantID)
	if err != nil {
		return nil, err
	}

	cart, _, err := s.ensure(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, owner, cart.ID, events.TypeUpdated, func(c domain.Cart, now time.Time) (domain.Cart, error) {
		return addLine(c, offer, req.Quantity, req.UnitPrice, s.cfg.MaxItems, now)
	})
}

// UpdateItem sets a line's quantity. Zero removes the line.
func (s *CartService) UpdateItem(ctx context.Context, owner domain.Owner, productID, variantID string, quantity int) (*domain.Cart, error) {
	cart, err := s.updateItem(ctx, owner, productID, variantID, quantity)
	s.observe("update_item", err)
	return cart, err
}

func (s *CartService) updateItem(ctx context.Context, owner domain.Owner, productID, variantID string, quantity int) (*domain.Cart, error) {
	if quantity < 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	key := domain.LineKey{ProductID: productID, VariantID: variantID}
	if quantity == 0 {
		return s.mutate(ctx, owner, func(c domain.Cart, _ time.Time) (domain.Cart, error) {
			return removeLine(c, key)
		})
	}

	ok, err := s.catalog.CheckStock(ctx, productID, variantID, quantity)
	if err != nil {
		return nil, s.catalogError("check_stock", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %d units: %w", productID, quantity, domain.ErrInsufficientStock)
	}
	return s.mutate(ctx, owner, func(c domain.Cart, now time.Time) (domain.Cart, error) {
		return setQuantity(c, key, quantity, s.cfg.MaxItems, now)
	})
}

func (s *CartService) RemoveItem(ctx context.Context, owner domain.Owner, productID, variantID string) (*domain.Cart, error) {
	key := domain.LineKey{ProductID: productID, VariantID: variantID}
	cart, err := s.mutate(ctx, owner, func(c domain.Cart, _ time.Time) (domain.Cart, error) {
		return removeLine(c, key)
	})
	s.observe("remove_item", err)
	return cart, err
}

// ClearCart empties the cart and drops its coupon. The cart itself stays.
func (s *CartService) ClearCart(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	cart, err := s.mutateAs(ctx, owner, events.TypeCleared, func(c domain.Cart, _ time.Time) (domain.Cart, error) {
		return clearCart(c), nil
	})
	s.observe("clear", err)
	return cart, err
}

// ApplyCoupon validates code against the current subtotal and makes it the
// cart's only coupon.
func (s *CartService) ApplyCoupon(ctx context.Context, owner domain.Owner, code string) (*domain.Cart, error) {
	code = coupon.Normalize(code)
	var (
		cart *domain.Cart
		err  error
	)
	if code == "" {
		err = fmt.Errorf("%w: empty code", domain.ErrInvalidCoupon)
	} else {
		cart, err = s.mutate(ctx, owner, func(c domain.Cart, _ time.Time) (domain.Cart, error) {
			if len(c.Items) == 0 {
				return c, domain.ErrEmptyCart
			}
			rule, err := s.coupons.Validate(ctx, code, c.Subtotal)
			if err != nil {
				return c, err
			}
			return setCoupon(c, rule.Code)
		})
	}
	s.observe("apply_coupon", err)
	return cart, err
}

func (s *CartService) RemoveCoupon(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	cart, err := s.mutate(ctx, owner, func(c domain.Cart, _ time.Time) (domain.Cart, error) {
		return dropCoupon(c), nil
	})
	s.observe("remove_coupon", err)
	return cart, err
}

// DeleteCart removes the owner's cart and mapping, as done once the cart has
// been turned into an order.
func (s *CartService) DeleteCart(ctx context.Context, owner domain.Owner) error {
	err := s.deleteCart(ctx, owner)
	s.observe("delete", err)
	return err
}

func (s *CartService) deleteCart(ctx context.Context, owner domain.Owner) error {
	cartID, err := s.resolver.Resolve(ctx, owner)
	if errors.Is(err, identity.ErrNoCart) {
		return domain.ErrCartNotFound
	}
	if err != nil {
		return err
	}
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := s.discard(ctx, owner, cartID); err != nil {
		return err
	}
	if cart != nil {
		s.publish(ctx, events.TypeDeleted, cart)
	}
	return nil
}

type command func(c domain.Cart, now time.Time) (domain.Cart, error)

// mutate applies cmd to the owner's existing cart.
func (s *CartService) mutate(ctx context.Context, owner domain.Owner, cmd command) (*domain.Cart, error) {
	return s.mutateAs(ctx, owner, events.TypeUpdated, cmd)
}

func (s *CartService) mutateAs(ctx context.Context, owner domain.Owner, evt events.Type, cmd command) (*domain.Cart, error) {
	if owner.IsZero() {
		return nil, domain.ErrNoOwner
	}
	cartID, err := s.resolver.Resolve(ctx, owner)
	if errors.Is(err, identity.ErrNoCart) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.update(ctx, owner, cartID, evt, cmd)
}

// update runs cmd inside the store's compare-and-swap loop, then reprices and
// extends the TTL. An expired cart is deleted and reported as ErrCartExpired.
// evt is published on success unless empty.
func (s *CartService) update(ctx context.Context, owner domain.Owner, cartID string, evt events.Type, cmd command) (*domain.Cart, error) {
	ttl := s.ttlFor(owner)
	cart, err := s.store.UpdateCart(ctx, cartID, ttl, func(current domain.Cart) (domain.Cart, error) {
		now := s.now()
		if current.IsExpired(now) {
			return current, domain.ErrCartExpired
		}
		next, err := cmd(current, now)
		if err != nil {
			return current, err
		}
		return s.pricing.Reprice(touch(next, ttl, now)), nil
	}, s.resolver.Pointer(owner))
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.ObserveCartValue(cart.TotalAmount)
		}
		if evt != "" {
			s.publish(ctx, evt, cart)
		}
		return cart, nil
	case errors.Is(err, store.ErrNotFound):
		// the mapping outlived the cart
		s.forget(ctx, owner)
		return nil, domain.ErrCartNotFound
	case errors.Is(err, domain.ErrCartExpired):
		s.expire(ctx, owner, cartID, nil)
		return nil, err
	default:
		return nil, err
	}
}

// ensure resolves the owner's live cart, creating one when there is none.
// An expired cart is replaced only when replaceExpired is set. created
// reports whether the returned cart is new.
func (s *CartService) ensure(ctx context.Context, owner domain.Owner, replaceExpired bool) (*domain.Cart, bool, error) {
	cart, err := s.load(ctx, owner)
	switch {
	case err == nil:
		return cart, false, nil
	case errors.Is(err, domain.ErrCartNotFound),
		replaceExpired && errors.Is(err, domain.ErrCartExpired):
		cart, err = s.create(ctx, owner)
		return cart, err == nil, err
	default:
		return nil, false, err
	}
}

// load reads the owner's cart. A dangling mapping is removed and an expired
// cart is deleted.
func (s *CartService) load(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	cartID, err := s.resolver.Resolve(ctx, owner)
	if errors.Is(err, identity.ErrNoCart) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}

	cart, err := s.store.GetCart(ctx, cartID)
	if errors.Is(err, store.ErrNotFound) {
		s.forget(ctx, owner)
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, err
	}
	if cart.IsExpired(s.now()) {
		s.expire(ctx, owner, cartID, cart)
		return nil, domain.ErrCartExpired
	}
	return cart, nil
}

func (s *CartService) create(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	now := s.now()
	ttl := s.ttlFor(owner)
	cart := domain.Cart{
		ID:       s.newID(),
		Items:    []domain.CartItem{},
		Currency: s.cfg.Currency,
	}
	if owner.IsUser() {
		cart.UserID = owner.UserID
	} else {
		cart.SessionID = owner.SessionID
	}
	cart.CreatedAt = now
	cart = s.pricing.Reprice(touch(cart, ttl, now))

	if err := s.store.CreateCart(ctx, &cart, ttl); err != nil {
		return nil, fmt.Errorf("create cart failed: %w", err)
	}

	winner, err := s.resolver.Claim(ctx, owner, cart.ID)
	if err != nil {
		s.dropOrphan(ctx, cart.ID)
		return nil, err
	}
	if winner != cart.ID {
		// a concurrent request registered its cart first
		s.dropOrphan(ctx, cart.ID)
		existing, err := s.store.GetCart(ctx, winner)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.ErrCartNotFound
			}
			return nil, err
		}
		return existing, nil
	}

	if s.metrics != nil {
		s.metrics.CartsCreated.WithLabelValues(owner.Kind()).Inc()
	}
	s.logger.InfoContext(ctx, "cart created", "cart_id", cart.ID, "owner", owner.Kind())
	s.publish(ctx, events.TypeCreated, &cart)
	return &cart, nil
}

// refresh revalidates cart against the catalog and persists the result.
func (s *CartService) refresh(ctx context.Context, owner domain.Owner, cart *domain.Cart) (*domain.Cart, error) {
	var products map[string]domain.Product
	if len(cart.Items) > 0 {
		ids := make([]string, 0, len(cart.Items))
		for _, item := range cart.Items {
			ids = append(ids, item.ProductID)
		}
		var err error
		products, err = s.catalog.GetProducts(ctx, ids)
		if err != nil {
			// browsing stays available; stock is re-checked on the next mutation
			s.catalogError("get_products", err)
			s.logger.WarnContext(ctx, "serving cart with stale stock", "cart_id", cart.ID, "error", err)
			return cart, nil
		}
	}

	return s.update(ctx, owner, cart.ID, "", func(c domain.Cart, _ time.Time) (domain.Cart, error) {
		if products == nil {
			return c, nil
		}
		return revalidate(c, products), nil
	})
}

func (s *CartService) offer(ctx context.Context, productID, variantID string) (domain.Offer, error) {
	p, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.Offer{}, s.catalogError("get_product", err)
	}
	offer, ok := p.Offer(variantID)
	if !ok {
		return domain.Offer{}, fmt.Errorf("variant %s of %s: %w", variantID, productID, domain.ErrProductNotFound)
	}
	return offer, nil
}

// catalogError counts unavailability and normalizes unknown catalog failures
// to ErrGatewayUnavailable.
func (s *CartService) catalogError(op string, err error) error {
	if errors.Is(err, domain.ErrProductNotFound) {
		return err
	}
	if s.metrics != nil {
		s.metrics.AvailabilityErrors.WithLabelValues(op).Inc()
	}
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		return fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, err)
	}
	return err
}

// discard deletes a cart together with the owner's pointer to it.
func (s *CartService) discard(ctx context.Context, owner domain.Owner, cartID string) error {
	if !owner.IsUser() {
		return s.store.DeleteGuest(ctx, cartID, owner.SessionID)
	}
	if err := s.store.DeleteCart(ctx, cartID); err != nil {
		return err
	}
	return s.resolver.Forget(ctx, owner)
}

func (s *CartService) expire(ctx context.Context, owner domain.Owner, cartID string, cart *domain.Cart) {
	if err := s.discard(ctx, owner, cartID); err != nil {
		s.logger.ErrorContext(ctx, "delete expired cart failed", "cart_id", cartID, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "cart expired", "cart_id", cartID, "owner", owner.Kind())
	if cart == nil {
		cart = &domain.Cart{ID: cartID, UserID: owner.UserID, SessionID: owner.SessionID}
	}
	s.publish(ctx, events.TypeExpired, cart)
}

func (s *CartService) forget(ctx context.Context, owner domain.Owner) {
	if err := s.resolver.Forget(ctx, owner); err != nil {
		s.logger.ErrorContext(ctx, "remove dangling mapping failed", "owner", owner.Key(), "error", err)
	}
}

func (s *CartService) dropOrphan(ctx context.Context, cartID string) {
	if err := s.store.DeleteCart(ctx, cartID); err != nil {
		s.logger.ErrorContext(ctx, "delete orphan cart failed", "cart_id", cartID, "error", err)
	}
}

// publish is best effort: a failed event never fails the request.
func (s *CartService) publish(ctx context.Context, t events.Type, cart *domain.Cart) {
	if err := s.events.Publish(ctx, events.NewCartEvent(t, cart, s.now())); err != nil {
		s.logger.ErrorContext(ctx, "publish cart event failed", "type", t, "cart_id", cart.ID, "error", err)
	}
}

func (s *CartService) observe(op string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, err)
	}
}

func (s *CartService) ttlFor(owner domain.Owner) time.Duration {
	if owner.IsUser() {
		return s.cfg.UserTTL
	}
	return s.cfg.GuestTTL
}
