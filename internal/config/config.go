package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/pricing"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	GRPCPort string `mapstructure:"CART_GRPC_PORT" validate:"required,numeric"`
	HTTPPort string `mapstructure:"CART_HTTP_PORT" validate:"required,numeric"`

	RedisAddr       string        `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int           `mapstructure:"REDIS_DB" validate:"min=0"`
	RedisOpTimeout  time.Duration `mapstructure:"REDIS_OP_TIMEOUT" validate:"gt=0"`
	RedisMaxRetries int           `mapstructure:"REDIS_MAX_RETRIES" validate:"min=0"`

	// CatalogURL empty means the in-memory catalog.
	CatalogURL     string        `mapstructure:"CATALOG_URL" validate:"omitempty,url"`
	CatalogTimeout time.Duration `mapstructure:"CATALOG_TIMEOUT" validate:"gt=0"`

	// KafkaBrokers empty disables cart events and the checkout consumer.
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS" validate:"dive,hostname_port"`
	EventsTopic   string   `mapstructure:"CART_EVENTS_TOPIC" validate:"required"`
	CheckoutTopic string   `mapstructure:"CHECKOUT_TOPIC" validate:"required"`

	GuestCartTTL   time.Duration `mapstructure:"GUEST_CART_TTL" validate:"gt=0"`
	UserCartTTL    time.Duration `mapstructure:"USER_CART_TTL" validate:"gt=0"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL" validate:"gt=0"`
	MaxCartItems   int           `mapstructure:"MAX_CART_ITEMS" validate:"min=1"`
	CASMaxAttempts int           `mapstructure:"CAS_MAX_ATTEMPTS" validate:"min=1"`

	TaxRate               string `mapstructure:"TAX_RATE" validate:"numeric"`
	FreeShippingThreshold string `mapstructure:"FREE_SHIPPING_THRESHOLD" validate:"numeric"`
	FlatShippingFee       string `mapstructure:"FLAT_SHIPPING_FEE" validate:"numeric"`
	Currency              string `mapstructure:"CURRENCY" validate:"len=3,uppercase"`

	LogLevel        string        `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat       string        `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

var defaults = map[string]any{
	"CART_GRPC_PORT":          "50052",
	"CART_HTTP_PORT":          "8082",
	"REDIS_ADDR":              "localhost:6379",
	"REDIS_PASSWORD":          "",
	"REDIS_DB":                0,
	"REDIS_OP_TIMEOUT":        "2s",
	"REDIS_MAX_RETRIES":       3,
	"CATALOG_URL":             "",
	"CATALOG_TIMEOUT":         "3s",
	"KAFKA_BROKERS":           "",
	"CART_EVENTS_TOPIC":       "cart-events",
	"CHECKOUT_TOPIC":          "checkout-outbox",
	"GUEST_CART_TTL":          "168h",
	"USER_CART_TTL":           "720h",
	"SESSION_TTL":             "168h",
	"MAX_CART_ITEMS":          50,
	"CAS_MAX_ATTEMPTS":        5,
	"TAX_RATE":                "0.08",
	"FREE_SHIPPING_THRESHOLD": "100",
	"FLAT_SHIPPING_FEE":       "10",
	"CURRENCY":                "USD",
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "json",
	"REQUEST_TIMEOUT":         "30s",
	"SHUTDOWN_TIMEOUT":        "10s",
}

// Load reads the configuration from the environment on top of the defaults
// and validates it.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// splitList drops blanks so KAFKA_BROKERS="" means no brokers.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Pricing returns the pricing settings. Load has already checked that the
// amounts are numeric.
func (c *Config) Pricing() pricing.Config {
	return pricing.Config{
		TaxRate:               decimal.RequireFromString(c.TaxRate),
		FreeShippingThreshold: decimal.RequireFromString(c.FreeShippingThreshold),
		FlatShippingFee:       decimal.RequireFromString(c.FlatShippingFee),
	}
}
