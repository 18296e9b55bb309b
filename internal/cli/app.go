package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
	goentitleprom "github.com/mihaimyh/goentitle/pkg/goentitle/metrics/prometheus"
	fsstore "github.com/mihaimyh/goentitle/storage/firestore"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstore "github.com/mihaimyh/goentitle/storage/redis"
	"github.com/mihaimyh/goentitle/storage/sqlite"
	"github.com/mihaimyh/goentitle/storage/tiered"
)

// app holds the components built from the configuration.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry

	store   goentitle.Store
	ping    func(context.Context) error
	closers []func()

	provider       *stripe.Provider
	billingMetrics billing.Metrics
	manager        *goentitle.Manager
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "goentitle").Logger()
}

// openStore connects the configured store. On success the caller owns the
// app and must call close.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store, err := a.connect(ctx)
	if err == nil && cfg.Store.HotCache {
		store, err = a.withHotCache(store)
	}
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	return a, nil
}

func (a *app) connect(ctx context.Context) (goentitle.Store, error) {
	cfg := a.cfg
	switch cfg.Store.Driver {
	case config.DriverMemory:
		a.log.Warn().Msg("using the in-memory store, entitlements are lost on restart")
		return memory.New(), nil
	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Store.DatabaseURL
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.ping = pg.Ping
		return pg, nil
	case config.DriverSQLite:
		lite, err := sqlite.New(ctx, sqlite.Config{Path: cfg.Store.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = lite.Close() })
		a.ping = lite.Ping
		return lite, nil
	case config.DriverRedis:
		rs, err := a.openRedis(redisstore.DefaultConfig())
		if err != nil {
			return nil, err
		}
		a.ping = rs.Ping
		return rs, nil
	case config.DriverFirestore:
		client, err := firestore.NewClient(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fs, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			return nil, err
		}
		return fs, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// withHotCache puts a Redis hot tier in front of cold.
func (a *app) withHotCache(cold goentitle.Store) (goentitle.Store, error) {
	hotCfg := redisstore.DefaultConfig()
	hotCfg.KeyPrefix = "goentitle:hot:"
	hotCfg.PrincipalTTL = 10 * time.Minute
	hot, err := a.openRedis(hotCfg)
	if err != nil {
		return nil, err
	}
	ts, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         cold,
		AsyncHotSync: true,
		AsyncErrorHandler: func(err error) {
			a.log.Warn().Err(err).Msg("hot cache sync failed")
		},
	})
	if err != nil {
		return nil, err
	}
	// Drain the sync queue before the connections close.
	a.closers = append([]func(){func() { _ = ts.Close() }}, a.closers...)
	return ts, nil
}

func (a *app) openRedis(rc redisstore.Config) (*redisstore.Storage, error) {
	opts, err := goredis.ParseURL(a.cfg.Store.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	rs, err := redisstore.New(client, rc)
	if err != nil {
		return nil, fmt.Errorf("open redis store: %w", err)
	}
	return rs, nil
}

// withManager adds the Stripe provider and the Manager.
func (a *app) withManager() error {
	cfg := a.cfg
	namespace := cfg.Metrics.Namespace
	var billingMetrics billing.Metrics = &billing.NoopMetrics{}
	var coreMetrics goentitle.Metrics = &goentitle.NoopMetrics{}
	if cfg.Metrics.Enabled {
		billingMetrics = billingprom.NewMetrics(a.registry, namespace)
		coreMetrics = goentitleprom.NewMetrics(a.registry, namespace)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			TierMapping: cfg.Stripe.TierMapping,
			Metrics:     billingMetrics,
		},
		StripeAPIKey:        cfg.Stripe.APIKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
	})
	if err != nil {
		return fmt.Errorf("configure stripe (set STRIPE_API_KEY): %w", err)
	}
	a.provider = provider
	a.billingMetrics = billingMetrics

	coreLog := a.log.With().Str("component", "core").Logger()
	coreCfg := &goentitle.Config{
		DefaultPlanTier: cfg.Core.DefaultPlanTier,
		GracePeriod:     cfg.Core.GracePeriod,
		ProviderTimeout: cfg.Core.ProviderTimeout,
		StoreTimeout:    cfg.Core.StoreTimeout,
		BillingURL:      cfg.Core.BillingURL,
		Metrics:         coreMetrics,
		Logger:          zerologadapter.NewLogger(&coreLog),
		OnTransition: func(t goentitle.Transition) {
			a.log.Info().
				Str("principal", t.Principal.String()).
				Str("source", t.Source).
				Bool("entitled", t.After.IsEntitled).
				Str("plan_tier", t.After.PlanTier).
				Msg("entitlement changed")
		},
	}
	if cfg.Store.CircuitBreaker {
		coreCfg.CircuitBreakerConfig = &goentitle.CircuitBreakerConfig{Enabled: true}
	}
	manager, err := goentitle.NewManager(a.store, provider, coreCfg)
	if err != nil {
		return err
	}
	a.manager = manager
	return nil
}

func (a *app) ready(ctx context.Context) error {
	if a.ping == nil {
		return nil
	}
	return a.ping(ctx)
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	for _, c := range a.closers {
		c()
	}
}

// bootstrap loads the configuration and builds the app.
func bootstrap(ctx context.Context, envFile string, withManager bool) (*app, error) {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Log, os.Stderr)
	a, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if withManager {
		if err := a.withManager(); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}
