// Package config loads the goentitle binary configuration from the
// environment. An optional .env file is read first; variables already set in
// the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	Log             LogConfig
	Store           StoreConfig
	Stripe          StripeConfig
	Core            CoreConfig
	Auth            AuthConfig
	API             APIConfig
	Metrics         MetricsConfig
}

type LogConfig struct {
	Level  string
	Format string // "console" or "json"
}

type StoreConfig struct {
	Driver           string
	DatabaseURL      string
	SQLitePath       string
	RedisURL         string
	FirestoreProject string
	// HotCache puts Redis in front of the authoritative store.
	HotCache       bool
	CircuitBreaker bool
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// TierMapping maps price IDs to plan tiers, from "price_a=individual,price_b=business".
	TierMapping map[string]string
}

type CoreConfig struct {
	DefaultPlanTier    string
	GracePeriod        time.Duration
	GraceSweepInterval time.Duration
	ProviderTimeout    time.Duration
	StoreTimeout       time.Duration
	BillingURL         string
}

type AuthConfig struct {
	JWTSecret string
	JWKSURL   string
	Issuer    string
	Audience  string
}

type APIConfig struct {
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Load reads envFiles (default: .env) into the environment, skipping missing
// files, and builds the Config.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		Addr:            p.str("GOENTITLE_ADDR", ":8080"),
		ShutdownTimeout: p.duration("GOENTITLE_SHUTDOWN_TIMEOUT", 15*time.Second),
		Log: LogConfig{
			Level:  strings.ToLower(p.str("GOENTITLE_LOG_LEVEL", "info")),
			Format: strings.ToLower(p.str("GOENTITLE_LOG_FORMAT", "json")),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(p.str("GOENTITLE_STORE", DriverMemory)),
			DatabaseURL:      p.str("GOENTITLE_DATABASE_URL", ""),
			SQLitePath:       p.str("GOENTITLE_SQLITE_PATH", "goentitle.db"),
			RedisURL:         p.str("GOENTITLE_REDIS_URL", ""),
			FirestoreProject: p.str("GOENTITLE_FIRESTORE_PROJECT", ""),
			HotCache:         p.boolean("GOENTITLE_REDIS_HOT_CACHE", false),
			CircuitBreaker:   p.boolean("GOENTITLE_CIRCUIT_BREAKER", true),
		},
		Stripe: StripeConfig{
			APIKey:        p.str("STRIPE_API_KEY", ""),
			WebhookSecret: p.str("STRIPE_WEBHOOK_SECRET", ""),
			TierMapping:   p.pairs("GOENTITLE_TIER_MAPPING"),
		},
		Core: CoreConfig{
			DefaultPlanTier:    p.str("GOENTITLE_DEFAULT_PLAN_TIER", "free"),
			GracePeriod:        p.duration("GOENTITLE_GRACE_PERIOD", 14*24*time.Hour),
			GraceSweepInterval: p.duration("GOENTITLE_GRACE_SWEEP_INTERVAL", time.Hour),
			ProviderTimeout:    p.duration("GOENTITLE_PROVIDER_TIMEOUT", 5*time.Second),
			StoreTimeout:       p.duration("GOENTITLE_STORE_TIMEOUT", 3*time.Second),
			BillingURL:         p.str("GOENTITLE_BILLING_URL", "/billing"),
		},
		Auth: AuthConfig{
			JWTSecret: p.str("GOENTITLE_JWT_SECRET", ""),
			JWKSURL:   p.str("GOENTITLE_JWKS_URL", ""),
			Issuer:    p.str("GOENTITLE_JWT_ISSUER", ""),
			Audience:  p.str("GOENTITLE_JWT_AUDIENCE", ""),
		},
		API: APIConfig{
			CheckoutSuccessURL: p.str("GOENTITLE_CHECKOUT_SUCCESS_URL", ""),
			CheckoutCancelURL:  p.str("GOENTITLE_CHECKOUT_CANCEL_URL", ""),
			PortalReturnURL:    p.str("GOENTITLE_PORTAL_RETURN_URL", ""),
		},
		Metrics: MetricsConfig{
			Enabled:   p.boolean("GOENTITLE_METRICS", true),
			Namespace: p.str("GOENTITLE_METRICS_NAMESPACE", "goentitle"),
		},
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("GOENTITLE_DATABASE_URL is required for the postgres store"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("GOENTITLE_REDIS_URL is required for the redis store"))
		}
	case DriverFirestore:
		if c.Store.FirestoreProject == "" {
			errs = append(errs, errors.New("GOENTITLE_FIRESTORE_PROJECT is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.HotCache && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("GOENTITLE_REDIS_URL is required for the hot cache"))
	}
	if c.Store.HotCache && c.Store.Driver == DriverRedis {
		errs = append(errs, errors.New("the hot cache needs an authoritative store other than redis"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("GOENTITLE_LOG_FORMAT must be json or console, got %q", c.Log.Format))
	}
	if c.Core.GracePeriod < 0 {
		errs = append(errs, errors.New("GOENTITLE_GRACE_PERIOD must not be negative"))
	}
	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) pairs(key string) map[string]string {
	out := make(map[string]string)
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return out
	}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			p.errs = append(p.errs, fmt.Errorf("%s: malformed entry %q", key, item))
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
