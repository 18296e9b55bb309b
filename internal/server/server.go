// Package server assembles the goentitle HTTP surface: the billing webhook,
// the subscription API, the access check and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	httpmw "github.com/mihaimyh/goentitle/middleware/http"
)

const readyTimeout = 2 * time.Second

// Options are the server's dependencies. Webhook and API are required.
type Options struct {
	// Webhook serves POST /webhooks/billing.
	Webhook http.Handler

	// API serves the /v1 subscription endpoints.
	API *api.Handler

	// Gate answers GET /v1/access.
	Gate goentitle.AccessChecker

	// Authenticate resolves the actor for every /v1 route. It must store the
	// actor with goentitle.WithActor.
	Authenticate func(http.Handler) http.Handler

	// Ready reports whether the entitlement store is reachable.
	Ready func(ctx context.Context) error

	// Gatherer exposes /metrics when set.
	Gatherer prometheus.Gatherer

	Logger zerolog.Logger
}

// New returns the root handler.
func New(opts Options) (http.Handler, error) {
	if opts.Webhook == nil || opts.API == nil || opts.Gate == nil {
		return nil, errors.New("server: webhook, api and gate are required")
	}
	if opts.Authenticate == nil {
		return nil, errors.New("server: authenticate middleware is required")
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-ID"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyHandler(opts.Ready))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Method(http.MethodPost, "/webhooks/billing", opts.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(opts.Authenticate)
		r.With(httpmw.Middleware(httpmw.Config{Gate: opts.Gate})).
			Get("/v1/access", accessHandler)
		opts.API.Register(r)
	})
	return r, nil
}

// accessHandler runs after the gate allowed the request.
func accessHandler(w http.ResponseWriter, r *http.Request) {
	d, _ := goentitle.DecisionFromContext(r.Context())
	writeJSON(w, http.StatusOK, d)
}

func readyHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := ready(ctx); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("readiness check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
