package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/cart-engine/internal/availability"
	"github.com/fjod/go_cart/cart-engine/internal/coupon"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/events"
	"github.com/fjod/go_cart/cart-engine/internal/identity"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/internal/pricing"
	"github.com/fjod/go_cart/cart-engine/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	m   sync.RWMutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.m.Lock()
	defer c.m.Unlock()
	c.now = c.now.Add(d)
}

type mockPublisher struct {
	m      sync.RWMutex
	events []events.CartEvent
}

func (p *mockPublisher) Publish(_ context.Context, e events.CartEvent) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) types() []events.Type {
	p.m.RLock()
	defer p.m.RUnlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyGateway is a MemoryGateway that can be switched to failing. hook runs
// at the start of every GetProducts call.
type flakyGateway struct {
	*availability.MemoryGateway
	m    sync.RWMutex
	err  error
	hook func()
}

func (g *flakyGateway) onGetProducts(fn func()) {
	g.m.Lock()
	defer g.m.Unlock()
	g.hook = fn
}

func (g *flakyGateway) fail(err error) {
	g.m.Lock()
	defer g.m.Unlock()
	g.err = err
}

func (g *flakyGateway) failure() error {
	g.m.RLock()
	defer g.m.RUnlock()
	return g.err
}

func (g *flakyGateway) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if err := g.failure(); err != nil {
		return nil, err
	}
	return g.MemoryGateway.GetProduct(ctx, id)
}

func (g *flakyGateway) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	g.m.RLock()
	hook := g.hook
	g.m.RUnlock()
	if hook != nil {
		hook()
	}
	if err := g.failure(); err != nil {
		return nil, err
	}
	return g.MemoryGateway.GetProducts(ctx, ids)
}

func (g *flakyGateway) CheckStock(ctx context.Context, id, variantID string, qty int) (bool, error) {
	if err := g.failure(); err != nil {
		return false, err
	}
	return g.MemoryGateway.CheckStock(ctx, id, variantID, qty)
}

type testEnv struct {
	svc     *CartService
	mr      *miniredis.Miniredis
	catalog *flakyGateway
	events  *mockPublisher
	metrics *metrics.Metrics
	clock   *testClock
	cfg     Config
}

func intPtr(v int) *int { return &v }

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testProducts() []domain.Product {
	redPrice := money("25")
	return []domain.Product{
		{ID: "p1", Name: "Mug", SKU: "MUG", Price: money("20"), InStock: true},
		{ID: "p2", Name: "Lamp", Price: money("30"), InStock: true, AvailableQuantity: intPtr(10)},
		{ID: "a", Name: "Alpha", Price: money("10"), InStock: true, AvailableQuantity: intPtr(10)},
		{ID: "b", Name: "Beta", Price: money("15"), InStock: true},
		{ID: "oos", Name: "Gone", Price: money("5"), InStock: false, AvailableQuantity: intPtr(0)},
		{
			ID: "shirt", Name: "Shirt", SKU: "SH", Price: money("19.99"), InStock: true,
			Variants: []domain.Variant{
				{ID: "red", Name: "Red", SKU: "SH-R", Price: &redPrice, InStock: true, AvailableQuantity: intPtr(3)},
				{ID: "blue", Name: "Blue", InStock: true},
			},
		},
	}
}

func setupTestService(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	return setupTestServiceWithSessionTTL(t, cfg, 0)
}

// setupTestServiceWithSessionTTL lets the session mapping live shorter than
// the guest cart. Zero means the guest TTL.
func setupTestServiceWithSessionTTL(t *testing.T, cfg Config, sessionTTL time.Duration) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	opts := store.DefaultOptions()
	opts.MaxCASAttempts = 500
	s := store.NewRedisStore(client, opts)

	if cfg.GuestTTL == 0 {
		cfg = DefaultConfig()
	}
	if sessionTTL == 0 {
		sessionTTL = cfg.GuestTTL
	}
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	catalog := &flakyGateway{MemoryGateway: availability.NewMemoryGateway(testProducts()...)}
	coupons := coupon.NewStaticTable(coupon.DefaultRules()...)
	pub := &mockPublisher{}
	m := metrics.New()

	svc := NewCartService(
		s,
		identity.NewResolver(s, sessionTTL, cfg.UserTTL),
		catalog,
		coupons,
		pricing.NewEngine(pricing.DefaultConfig(), coupons),
		cfg,
		WithClock(clock.Now),
		WithPublisher(pub),
		WithMetrics(m),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &testEnv{svc: svc, mr: mr, catalog: catalog, events: pub, metrics: m, clock: clock, cfg: cfg}
}

func guest(id string) domain.Owner { return domain.Owner{SessionID: id} }

func user(id string) domain.Owner { return domain.Owner{UserID: id} }

func add(t *testing.T, env *testEnv, owner domain.Owner, productID, variantID string, qty int) *domain.Cart {
	t.Helper()
	cart, err := env.svc.AddItem(context.Background(), owner, AddItemRequest{ProductID: productID, VariantID: variantID, Quantity: qty})
	require.NoError(t, err)
	return cart
}

func assertTotalsConsistent(t *testing.T, c *domain.Cart) {
	t.Helper()
	expected := c.Subtotal.Sub(c.DiscountAmount).Add(c.TaxAmount).Add(c.ShippingAmount)
	assert.True(t, c.TotalAmount.Equal(expected), "total %s != %s", c.TotalAmount, expected)
	for _, d := range []decimal.Decimal{c.Subtotal, c.DiscountAmount, c.TaxAmount, c.ShippingAmount, c.TotalAmount} {
		assert.False(t, d.IsNegative(), "negative amount %s", d)
	}
	assert.Equal(t, countItems(c.Items), c.ItemCount)
}

func cartKeys(mr *miniredis.Miniredis) []string {
	var keys []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "cart:") {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestGetOrCreate_CreatesGuestCart(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()

	cart, err := env.svc.GetOrCreate(ctx, guest("s1"))
	require.NoError(t, err)

	assert.NotEmpty(t, cart.ID)
	assert.Equal(t, "s1", cart.SessionID)
	assert.Empty(t, cart.UserID)
	assert.Empty(t, cart.Items)
	assert.Equal(t, "USD", cart.Currency)
	assert.True(t, cart.TotalAmount.IsZero())
	assert.True(t, cart.ShippingAmount.IsZero())
	assert.True(t, cart.ExpiresAt.Equal(env.clock.Now().Add(env.cfg.GuestTTL)))

	assert.Equal(t, env.cfg.GuestTTL, env.mr.TTL("cart:"+cart.ID))
	assert.True(t, env.mr.Exists("session:s1"))
	assert.Equal(t, []events.Type{events.TypeCreated}, env.events.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CartsCreated.WithLabelValues("guest")))

	again, err := env.svc.GetOrCreate(ctx, guest("s1"))
	require.NoError(t, err)
	assert.Equal(t, cart.ID, again.ID)
}

func TestGetOrCreate_UserCartUsesLongTTL(t *testing.T) {
	env := setupTestService(t, Config{})

	cart, err := env.svc.GetOrCreate(context.Background(), user("u1"))
	require.NoError(t, err)

	assert.Equal(t, "u1", cart.UserID)
	assert.Equal(t, env.cfg.UserTTL, env.mr.TTL("cart:"+cart.ID))
	assert.True(t, env.mr.Exists("user:cart:u1"))
}

func TestGetOrCreate_NoOwner(t *testing.T) {
	env := setupTestService(t, Config{})

	_, err := env.svc.GetOrCreate(context.Background(), domain.Owner{})
	assert.ErrorIs(t, err, domain.ErrNoOwner)
}

func TestGetOrCreate_ConcurrentFirstRequestsConverge(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cart, err := env.svc.GetOrCreate(ctx, guest("s1"))
			if assert.NoError(t, err) {
				ids[i] = cart.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, cartKeys(env.mr), 1)
}

func TestGetOrCreate_CancelledCallerDoesNotFailOthers(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := guest("s1")
	add(t, env, owner, "p1", "", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.catalog.onGetProducts(func() {
		once.Do(func() { close(entered) })
		<-release
	})

	firstCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := env.svc.GetOrCreate(firstCtx, owner)
		firstDone <- err
	}()
	<-entered

	secondDone := make(chan *domain.Cart, 1)
	go func() {
		cart, err := env.svc.GetOrCreate(context.Background(), owner)
		assert.NoError(t, err)
		secondDone <- cart
	}()
	// give the second caller time to join the in-flight call
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	cart := <-secondDone
	require.NotNil(t, cart)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 1, cart.Items[0].Quantity)
}

func TestScenario_SingleItemBelowFreeShipping(t *testing.T) {
	env := setupTestService(t, Config{})

	cart := add(t, env, guest("s1"), "p1", "", 1)

	assert.Equal(t, "20.00", cart.Subtotal.StringFixed(2))
	assert.Equal(t, "10.00", cart.ShippingAmount.StringFixed(2))
	assert.Equal(t, "1.60", cart.TaxAmount.StringFixed(2))
	assert.Equal(t, "31.60", cart.TotalAmount.StringFixed(2))
	assert.Equal(t, 1, cart.ItemCount)
	assertTotalsConsistent(t, cart)
}

func TestScenario_FreeShippingThreshold(t *testing.T) {
	env := setupTestService(t, Config{})

	cart := add(t, env, guest("s1"), "p2", "", 5)

	assert.Equal(t, "150.00", cart.Subtotal.StringFixed(2))
	assert.True(t, cart.ShippingAmount.IsZero())
	assert.Equal(t, "12.00", cart.TaxAmount.StringFixed(2))
	assert.Equal(t, "162.00", cart.TotalAmount.StringFixed(2))
}

func TestAddItem_SameLineSumsQuantities(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := guest("s1")

	add(t, env, owner, "a", "", 2)
	cart := add(t, env, owner, "a", "", 3)

	require.Len(t, cart.Items, 1)
	assert.Equal(t, 5, cart.Items[0].Quantity)
	assert.Equal(t, "50.00", cart.Items[0].TotalPrice.StringFixed(2))
	assert.Equal(t, int64(2), cart.Version)
}

func TestAddItem_Variant(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := guest("s1")

	add(t, env, owner, "shirt", "red", 1)
	cart := add(t, env, owner, "shirt", "blue", 1)

	require.Len(t, cart.Items, 2)
	red := cart.Items[0]
	assert.Equal(t, "Shirt - Red", red.Name)
	assert.Equal(t, "SH-R", red.SKU)
	assert.Equal(t, "25.00", red.UnitPrice.StringFixed(2))
	assert.Equal(t, 3, *red.AvailableQuantity)

	blue := cart.Items[1]
	assert.Equal(t, "19.99", blue.UnitPrice.StringFixed(2))
	assert.Nil(t, blue.AvailableQuantity)
}

func TestAddItem_PriceOverride(t *testing.T) {
	env := setupTestService(t, Config{})
	price := money("12.50")

	cart, err := env.svc.AddItem(context.Background(), guest("s1"), AddItemRequest{ProductID: "p1", Quantity: 2, UnitPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "25.00", cart.Subtotal.StringFixed(2))
}

func TestAddItem_Rejections(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	negative := money("-1")

	tests := []struct {
		name string
		req  AddItemRequest
		want error
	}{
		{"zero quantity", AddItemRequest{ProductID: "p1", Quantity: 0}, domain.ErrInvalidQuantity},
		{"missing product id", AddItemRequest{Quantity: 1}, domain.ErrInvalidArgument},
		{"negative price", AddItemRequest{ProductID: "p1", Quantity: 1, UnitPrice: &negative}, domain.ErrInvalidArgument},
		{"unknown product", AddItemRequest{ProductID: "nope", Quantity: 1}, domain.ErrProductNotFound},
		{"unknown variant", AddItemRequest{ProductID: "shirt", VariantID: "green", Quantity: 1}, domain.ErrProductNotFound},
		{"out of stock", AddItemRequest{ProductID: "oos", Quantity: 1}, domain.ErrOutOfStock},
		{"more than available", AddItemRequest{ProductID: "shirt", VariantID: "red", Quantity: 4}, domain.ErrInsufficientStock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.AddItem(ctx, owner, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := env.svc.AddItem(ctx, domain.Owner{}, AddItemRequest{ProductID: "p1", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrNoOwner)
}

func TestAddItem_SumExceedingStockLeavesCartUnchanged(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	add(t, env, owner, "shirt", "red", 2)
	_, err := env.svc.AddItem(ctx, owner, AddItemRequest{ProductID: "shirt", VariantID: "red", Quantity: 2})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
}

func TestAddItem_CartFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxItems = 5
	env := setupTestService(t, cfg)
	owner := guest("s1")

	add(t, env, owner, "b", "", 5)
	_, err := env.svc.AddItem(context.Background(), owner, AddItemRequest{ProductID: "p1", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrCartFull)
}

func TestAddItem_GatewayUnavailableRejects(t *testing.T) {
	env := setupTestService(t, Config{})
	env.catalog.fail(errors.New("connection refused"))

	_, err := env.svc.AddItem(context.Background(), guest("s1"), AddItemRequest{ProductID: "p1", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AvailabilityErrors.WithLabelValues("get_product")))
}

func TestAddItem_ConcurrentWritersLoseNothing(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	_, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.AddItem(ctx, owner, AddItemRequest{ProductID: "b", Quantity: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, writers, cart.Items[0].Quantity)
	assertTotalsConsistent(t, cart)
}

func TestUpdateItem(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	add(t, env, owner, "a", "", 1)

	cart, err := env.svc.UpdateItem(ctx, owner, "a", "", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, cart.Items[0].Quantity)
	assert.Equal(t, "40.00", cart.Subtotal.StringFixed(2))

	_, err = env.svc.UpdateItem(ctx, owner, "a", "", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = env.svc.UpdateItem(ctx, owner, "b", "", 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	_, err = env.svc.UpdateItem(ctx, owner, "a", "", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestUpdateItemToZeroMatchesRemove(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2"} {
		add(t, env, guest(sid), "p1", "", 1)
		add(t, env, guest(sid), "a", "", 2)
	}

	viaUpdate, err := env.svc.UpdateItem(ctx, guest("s1"), "a", "", 0)
	require.NoError(t, err)
	viaRemove, err := env.svc.RemoveItem(ctx, guest("s2"), "a", "")
	require.NoError(t, err)

	assert.Equal(t, viaRemove.Items, viaUpdate.Items)
	assert.Equal(t, viaRemove.ItemCount, viaUpdate.ItemCount)
	assert.True(t, viaRemove.Subtotal.Equal(viaUpdate.Subtotal))
	assert.True(t, viaRemove.TaxAmount.Equal(viaUpdate.TaxAmount))
	assert.True(t, viaRemove.ShippingAmount.Equal(viaUpdate.ShippingAmount))
	assert.True(t, viaRemove.TotalAmount.Equal(viaUpdate.TotalAmount))
}

func TestRemoveItem(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	_, err := env.svc.RemoveItem(ctx, owner, "p1", "")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)

	add(t, env, owner, "p1", "", 1)
	_, err = env.svc.RemoveItem(ctx, owner, "a", "")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	cart, err := env.svc.RemoveItem(ctx, owner, "p1", "")
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	assert.True(t, cart.TotalAmount.IsZero())
	assert.True(t, cart.ShippingAmount.IsZero())
}

func TestClearCart(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	add(t, env, owner, "p2", "", 4)
	_, err := env.svc.ApplyCoupon(ctx, owner, "SAVE10")
	require.NoError(t, err)

	cart, err := env.svc.ClearCart(ctx, owner)
	require.NoError(t, err)

	assert.Empty(t, cart.Items)
	assert.Empty(t, cart.CouponCode)
	assert.Equal(t, 0, cart.ItemCount)
	assert.True(t, cart.Subtotal.IsZero())
	assert.True(t, cart.TotalAmount.IsZero())
	assert.Contains(t, env.events.types(), events.TypeCleared)
}

func TestApplyCoupon(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	_, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	_, err = env.svc.ApplyCoupon(ctx, owner, "SAVE10")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	before := add(t, env, owner, "p1", "", 2)

	t.Run("unknown code leaves totals unchanged", func(t *testing.T) {
		_, err := env.svc.ApplyCoupon(ctx, owner, "XYZZY")
		require.ErrorIs(t, err, domain.ErrInvalidCoupon)

		after, err := env.svc.GetCart(ctx, owner)
		require.NoError(t, err)
		assert.True(t, before.TotalAmount.Equal(after.TotalAmount))
		assert.Empty(t, after.CouponCode)
	})

	t.Run("minimum subtotal not met", func(t *testing.T) {
		_, err := env.svc.ApplyCoupon(ctx, owner, "FREESHIP")
		assert.ErrorIs(t, err, domain.ErrInvalidCoupon)
	})

	t.Run("percentage at 100", func(t *testing.T) {
		add(t, env, owner, "p1", "", 3)
		cart, err := env.svc.ApplyCoupon(ctx, owner, " save10 ")
		require.NoError(t, err)
		assert.Equal(t, "SAVE10", cart.CouponCode)
		assert.Equal(t, "100.00", cart.Subtotal.StringFixed(2))
		assert.Equal(t, "10.00", cart.DiscountAmount.StringFixed(2))
		assert.Equal(t, "97.20", cart.TotalAmount.StringFixed(2))
		assertTotalsConsistent(t, cart)
	})

	t.Run("new coupon replaces old", func(t *testing.T) {
		cart, err := env.svc.ApplyCoupon(ctx, owner, "SAVE20")
		require.NoError(t, err)
		assert.Equal(t, "SAVE20", cart.CouponCode)
		assert.Equal(t, "20.00", cart.DiscountAmount.StringFixed(2))
	})

	t.Run("remove coupon", func(t *testing.T) {
		cart, err := env.svc.RemoveCoupon(ctx, owner)
		require.NoError(t, err)
		assert.Empty(t, cart.CouponCode)
		assert.True(t, cart.DiscountAmount.IsZero())
	})

	_, err = env.svc.ApplyCoupon(ctx, owner, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidCoupon)
}

func TestExpiredCartIsReplaced(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	old := add(t, env, owner, "p1", "", 1)
	env.clock.Advance(env.cfg.GuestTTL + time.Minute)

	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, cart.ID)
	assert.Empty(t, cart.Items)
	assert.False(t, env.mr.Exists("cart:"+old.ID))
	assert.Contains(t, env.events.types(), events.TypeExpired)
}

func TestMutationOnExpiredCartFails(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	old := add(t, env, owner, "p1", "", 1)
	env.clock.Advance(env.cfg.GuestTTL + time.Minute)

	_, err := env.svc.RemoveItem(ctx, owner, "p1", "")
	assert.ErrorIs(t, err, domain.ErrCartExpired)
	assert.False(t, env.mr.Exists("cart:"+old.ID))
	assert.False(t, env.mr.Exists("session:s1"))

	// the owner starts over with an empty cart
	_, err = env.svc.RemoveItem(ctx, owner, "p1", "")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestAddItemOnExpiredCartFails(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := guest("s1")

	add(t, env, owner, "p1", "", 1)
	env.clock.Advance(env.cfg.GuestTTL + time.Minute)

	_, err := env.svc.AddItem(context.Background(), owner, AddItemRequest{ProductID: "p1", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrCartExpired)
}

func TestActivityExtendsExpiry(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := guest("s1")

	add(t, env, owner, "p1", "", 1)
	env.clock.Advance(env.cfg.GuestTTL - time.Minute)
	cart := add(t, env, owner, "p1", "", 1)

	assert.True(t, cart.ExpiresAt.Equal(env.clock.Now().Add(env.cfg.GuestTTL)))
	assert.True(t, cart.LastActivity.Equal(env.clock.Now()))
}

func TestActivityKeepsSessionMappingAlive(t *testing.T) {
	env := setupTestServiceWithSessionTTL(t, Config{}, 68*time.Hour)
	ctx := context.Background()
	owner := guest("s1")

	first := add(t, env, owner, "p1", "", 1)
	assert.Equal(t, env.cfg.GuestTTL, env.mr.TTL("session:s1"))

	env.clock.Advance(100 * time.Hour)
	env.mr.FastForward(100 * time.Hour)
	add(t, env, owner, "p1", "", 1)

	// past the session TTL counted from the first write
	env.clock.Advance(70 * time.Hour)
	env.mr.FastForward(70 * time.Hour)
	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, cart.ID)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
	assert.Len(t, cartKeys(env.mr), 1)
}

func TestActivityKeepsUserMappingAlive(t *testing.T) {
	env := setupTestService(t, Config{})
	owner := user("u1")

	first := add(t, env, owner, "p1", "", 1)
	env.clock.Advance(env.cfg.UserTTL - time.Hour)
	env.mr.FastForward(env.cfg.UserTTL - time.Hour)
	add(t, env, owner, "p1", "", 1)
	assert.Equal(t, env.cfg.UserTTL, env.mr.TTL("user:cart:u1"))

	env.clock.Advance(2 * time.Hour)
	env.mr.FastForward(2 * time.Hour)
	cart, err := env.svc.GetCart(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, cart.ID)
}

func TestGetOrCreate_Revalidates(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")

	add(t, env, owner, "p1", "", 1)
	add(t, env, owner, "p2", "", 8)
	add(t, env, owner, "b", "", 1)

	// price change, stock drop and a delisted product
	p1 := testProducts()[0]
	p1.Price = money("22.50")
	env.catalog.Put(p1)
	require.NoError(t, env.catalog.SetStock("p2", "", intPtr(3)))
	env.catalog.Remove("b")

	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)

	require.Len(t, cart.Items, 2)
	assert.Equal(t, "22.50", cart.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, 3, cart.Items[1].Quantity)
	assert.Equal(t, 3, *cart.Items[1].AvailableQuantity)
	assert.Equal(t, "112.50", cart.Subtotal.StringFixed(2))
	assertTotalsConsistent(t, cart)

	require.NoError(t, env.catalog.SetStock("p2", "", intPtr(0)))
	cart, err = env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
}

func TestGetOrCreate_GatewayDownServesStaleCart(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	added := add(t, env, owner, "p2", "", 2)

	env.catalog.fail(domain.ErrGatewayUnavailable)
	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)

	assert.Equal(t, added.ID, cart.ID)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)

	_, err = env.svc.UpdateItem(ctx, owner, "p2", "", 3)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestGetCart(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()

	_, err := env.svc.GetCart(ctx, user("u1"))
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
	assert.False(t, env.mr.Exists("user:cart:u1"))

	added := add(t, env, user("u1"), "a", "", 1)
	cart, err := env.svc.GetCart(ctx, user("u1"))
	require.NoError(t, err)
	assert.Equal(t, added.ID, cart.ID)
}

func TestDeleteCart(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := user("u1")
	cart := add(t, env, owner, "a", "", 1)

	require.NoError(t, env.svc.DeleteCart(ctx, owner))

	assert.False(t, env.mr.Exists("cart:"+cart.ID))
	assert.False(t, env.mr.Exists("user:cart:u1"))
	assert.Contains(t, env.events.types(), events.TypeDeleted)

	assert.ErrorIs(t, env.svc.DeleteCart(ctx, owner), domain.ErrCartNotFound)
}

func TestDanglingMappingIsRepaired(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	old := add(t, env, owner, "a", "", 1)

	env.mr.Del("cart:" + old.ID)

	_, err := env.svc.RemoveItem(ctx, owner, "a", "")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
	assert.False(t, env.mr.Exists("session:s1"))

	cart, err := env.svc.GetOrCreate(ctx, owner)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, cart.ID)
}

func TestTotalsStayConsistentUnderRandomOperations(t *testing.T) {
	env := setupTestService(t, Config{})
	ctx := context.Background()
	owner := guest("s1")
	rng := rand.New(rand.NewSource(7))

	products := []string{"p1", "p2", "a", "b"}
	codes := []string{"SAVE10", "SAVE20", "WELCOME5", "FREESHIP", "XYZZY"}
	expected := []error{
		domain.ErrInsufficientStock, domain.ErrCartFull, domain.ErrItemNotFound,
		domain.ErrEmptyCart, domain.ErrInvalidCoupon,
	}

	for i := 0; i < 200; i++ {
		var (
			cart *domain.Cart
			err  error
		)
		pid := products[rng.Intn(len(products))]
		switch rng.Intn(5) {
		case 0, 1:
			cart, err = env.svc.AddItem(ctx, owner, AddItemRequest{ProductID: pid, Quantity: 1 + rng.Intn(3)})
		case 2:
			cart, err = env.svc.UpdateItem(ctx, owner, pid, "", rng.Intn(4))
		case 3:
			cart, err = env.svc.ApplyCoupon(ctx, owner, codes[rng.Intn(len(codes))])
		case 4:
			cart, err = env.svc.RemoveCoupon(ctx, owner)
		}
		if err != nil {
			known := errors.Is(err, domain.ErrCartNotFound)
			for _, e := range expected {
				known = known || errors.Is(err, e)
			}
			require.True(t, known, "unexpected error: %v", err)
			continue
		}
		assertTotalsConsistent(t, cart)
	}
}
