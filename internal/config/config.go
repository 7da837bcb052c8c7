package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	ProviderKomoju = "komoju"
	ProviderStripe = "stripe"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// JWTSecret verifies the HS256 bearer tokens issued by the login service.
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`

	// PaymentProvider selects the checkout backend: komoju or stripe.
	PaymentProvider string `env:"PAYMENT_PROVIDER" envDefault:"komoju"`

	Komoju KomojuConfig
	Stripe StripeConfig

	Checkout CheckoutConfig

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`
}

type KomojuConfig struct {
	SecretKey     string `env:"KOMOJU_SECRET_KEY"`
	WebhookSecret string `env:"KOMOJU_WEBHOOK_SECRET"`
	BaseURL       string `env:"KOMOJU_BASE_URL" envDefault:"https://komoju.com"`
	Currency      string `env:"KOMOJU_CURRENCY" envDefault:"JPY"`
	// PlanAmounts prices each plan in the smallest currency unit ("pro:480,...").
	PlanAmounts map[string]int64 `env:"KOMOJU_PLAN_AMOUNTS" envSeparator:"," envKeyValSeparator:":"`
}

type StripeConfig struct {
	SecretKey     string            `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string            `env:"STRIPE_WEBHOOK_SECRET"`
	PriceIDs      map[string]string `env:"STRIPE_PRICE_IDS" envSeparator:"," envKeyValSeparator:":"`
}

// CheckoutConfig tunes the checkout session manager.
type CheckoutConfig struct {
	FreshWindow     time.Duration `env:"CHECKOUT_FRESH_WINDOW" envDefault:"30m"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
}

// Load reads configuration from environment variables, applies defaults, and
// validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only what the operator tooling needs.
func LoadDatabase() (string, error) {
	var cfg struct {
		DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	}
	if err := env.Parse(&cfg); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		return "", fmt.Errorf("config: invalid DATABASE_URL: %w", err)
	}
	return cfg.DatabaseURL, nil
}

// Validate checks cross-field requirements env tags cannot express.
func (c Config) Validate() error {
	if _, err := url.Parse(c.DatabaseURL); err != nil {
		return fmt.Errorf("config: invalid DATABASE_URL: %w", err)
	}

	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	switch c.PaymentProvider {
	case ProviderKomoju:
		if c.Komoju.SecretKey == "" {
			return fmt.Errorf("config: KOMOJU_SECRET_KEY is required when PAYMENT_PROVIDER=komoju")
		}
	case ProviderStripe:
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("config: STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("config: unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}

	if c.Checkout.FreshWindow <= 0 {
		return fmt.Errorf("config: CHECKOUT_FRESH_WINDOW must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

// Provider returns the normalized payment provider name.
func (c Config) Provider() string {
	return strings.ToLower(strings.TrimSpace(c.PaymentProvider))
}
