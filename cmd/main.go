package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/availability"
	"github.com/fjod/go_cart/cart-engine/internal/config"
	"github.com/fjod/go_cart/cart-engine/internal/coupon"
	"github.com/fjod/go_cart/cart-engine/internal/domain"
	"github.com/fjod/go_cart/cart-engine/internal/events"
	cartgrpc "github.com/fjod/go_cart/cart-engine/internal/grpc"
	carthttp "github.com/fjod/go_cart/cart-engine/internal/http"
	"github.com/fjod/go_cart/cart-engine/internal/identity"
	"github.com/fjod/go_cart/cart-engine/internal/logger"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/internal/poller"
	"github.com/fjod/go_cart/cart-engine/internal/pricing"
	s "github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/fjod/go_cart/cart-engine/internal/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const serviceName = "cart-engine"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, serviceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("cart engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()
	m := metrics.New()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	cartStore := store.NewRedisStore(redisClient, store.Options{
		OpTimeout:      cfg.RedisOpTimeout,
		MaxRetries:     uint64(cfg.RedisMaxRetries),
		MaxCASAttempts: cfg.CASMaxAttempts,
		OnConflict:     m.CASConflicts.Inc,
	})
	if err := cartStore.Ping(ctx); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("redis ping succeeded", "addr", cfg.RedisAddr)

	var catalog availability.Gateway
	if cfg.CatalogURL != "" {
		catalog = availability.NewHTTPGateway(cfg.CatalogURL, cfg.CatalogTimeout, availability.NewBreaker(log))
		log.Info("using catalog service", "url", cfg.CatalogURL)
	} else {
		catalog = availability.NewMemoryGateway(demoProducts()...)
		log.Warn("CATALOG_URL not set, using the in-memory demo catalog")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.EventsTopic, cfg.KafkaBrokers...)
		log.Info("publishing cart events", "topic", cfg.EventsTopic, "brokers", cfg.KafkaBrokers)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("failed to close event publisher", "error", err)
		}
	}()

	coupons := coupon.NewStaticTable(coupon.DefaultRules()...)
	service := s.NewCartService(
		cartStore,
		identity.NewResolver(cartStore, cfg.SessionTTL, cfg.UserCartTTL),
		catalog,
		coupons,
		pricing.NewEngine(cfg.Pricing(), coupons),
		s.Config{
			GuestTTL: cfg.GuestCartTTL,
			UserTTL:  cfg.UserCartTTL,
			MaxItems: cfg.MaxCartItems,
			Currency: cfg.Currency,
		},
		s.WithLogger(log),
		s.WithPublisher(publisher),
		s.WithMetrics(m),
	)

	// Set up gRPC server for cart service
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCPort, err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(cartgrpc.LoggingInterceptor(log)),
	)
	cartgrpc.RegisterCartServiceServer(grpcServer, cartgrpc.NewCartServiceServer(service))
	// Reflection only lists the service name. Messages use the JSON codec, so
	// there are no descriptors for grpcurl to describe.
	reflection.Register(grpcServer)

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: carthttp.NewRouter(
			carthttp.NewCartHandler(service, cfg.RequestTimeout, log),
			carthttp.RouterConfig{
				RequestTimeout: cfg.RequestTimeout,
				SessionTTL:     cfg.SessionTTL,
				Metrics:        m.Handler(),
			},
			log,
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	if len(cfg.KafkaBrokers) > 0 {
		checkout := poller.NewPoller(service, log, cfg.CheckoutTopic, cfg.KafkaBrokers...)
		defer checkout.Close()
		go checkout.Run(pollCtx)
		log.Info("consuming checkouts", "topic", cfg.CheckoutTopic)
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info("cart service listening", "transport", "grpc", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		log.Info("cart service listening", "transport", "http", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down cart service", "signal", sig.String())
	case runErr = <-serveErr:
		log.Error("server failed, shutting down", "error", runErr)
	}

	stopPolling()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	log.Info("cart service stopped")
	return runErr
}

// demoProducts seeds the in-memory catalog for local runs without a catalog
// service.
func demoProducts() []domain.Product {
	stock := func(n int) *int { return &n }
	redPrice := decimal.RequireFromString("24.99")
	return []domain.Product{
		{ID: "1", Name: "Coffee Mug", SKU: "MUG-1", Price: decimal.RequireFromString("12.50"), InStock: true, AvailableQuantity: stock(100)},
		{ID: "2", Name: "Desk Lamp", SKU: "LAMP-1", Price: decimal.RequireFromString("39.90"), InStock: true, AvailableQuantity: stock(10)},
		{ID: "3", Name: "Sticker Pack", SKU: "STICK-1", Price: decimal.RequireFromString("3.00"), InStock: true},
		{
			ID: "4", Name: "T-Shirt", SKU: "TEE", Price: decimal.RequireFromString("19.99"), InStock: true,
			Variants: []domain.Variant{
				{ID: "red-m", Name: "Red M", SKU: "TEE-RM", Price: &redPrice, InStock: true, AvailableQuantity: stock(5)},
				{ID: "blue-m", Name: "Blue M", SKU: "TEE-BM", InStock: true, AvailableQuantity: stock(5)},
			},
		},
	}
}
