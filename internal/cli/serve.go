package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/internal/server"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/auth"
	"github.com/mihaimyh/goentitle/pkg/billing/webhook"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/goentitle/logger/zerolog"
)

func newServeCmd() *cobra.Command {
	var noGrace bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint, the subscription API and the access check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, envFile(cmd), !noGrace)
		},
	}
	cmd.Flags().BoolVar(&noGrace, "no-grace-enforcer", false, "do not run the grace period enforcer in this process")
	return cmd
}

func runServe(ctx context.Context, envFile string, grace bool) error {
	a, err := bootstrap(ctx, envFile, true)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	verifier, err := newVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}

	httpLog := a.log.With().Str("component", "http").Logger()
	adapter := zerologadapter.NewLogger(&httpLog)

	wh, err := webhook.NewHandler(webhook.Config{
		Client:    a.provider,
		Processor: a.manager,
		Metrics:   a.billingMetrics,
		Logger:    adapter,
	})
	if err != nil {
		return err
	}
	apiHandler, err := api.NewHandler(api.Config{
		Manager:    a.manager,
		SuccessURL: cfg.API.CheckoutSuccessURL,
		CancelURL:  cfg.API.CheckoutCancelURL,
		ReturnURL:  cfg.API.PortalReturnURL,
		Logger:     adapter,
	})
	if err != nil {
		return err
	}

	opts := server.Options{
		Webhook:      wh,
		API:          apiHandler,
		Gate:         a.manager,
		Authenticate: auth.Middleware(verifier, auth.MiddlewareConfig{Logger: adapter}),
		Ready:        a.ready,
		Logger:       httpLog,
	}
	if cfg.Metrics.Enabled {
		opts.Gatherer = a.registry
	}
	handler, err := server.New(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	if grace {
		enforcer := a.manager.NewGraceEnforcer(cfg.Core.GraceSweepInterval)
		enforcer.Start(ctx)
		defer enforcer.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", cfg.Addr).Str("store", cfg.Store.Driver).Msg("goentitle listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		a.log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newVerifier(secret, jwksURL, issuer, audience string) (*auth.Verifier, error) {
	switch {
	case jwksURL != "":
		return auth.NewJWKSVerifier(jwksURL, issuer, audience)
	case secret != "":
		return auth.NewHMACVerifier([]byte(secret), issuer, audience)
	default:
		return nil, errors.New("set GOENTITLE_JWT_SECRET or GOENTITLE_JWKS_URL to authenticate API callers")
	}
}
