// Package http provides net/http middleware that admits requests only for
// entitled principals.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// ActorExtractor resolves the caller of an HTTP request.
// Return false if the caller is not authenticated.
type ActorExtractor func(r *http.Request) (goentitle.Actor, bool)

// Config holds middleware configuration
type Config struct {
	// Gate answers access questions (required). *goentitle.Gate and
	// *goentitle.Manager both qualify.
	Gate goentitle.AccessChecker

	// GetActor resolves the caller (default: ActorFromContext)
	GetActor ActorExtractor

	// OnDenied is called when the Gate denies access
	// If nil, writes Decision.HTTPStatus() with a JSON DenialResponse
	OnDenied func(w http.ResponseWriter, r *http.Request, d goentitle.Decision)

	// OnUnauthorized is called when no actor could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that enforces entitlement. Allowed
// requests carry the Decision in their context.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("goentitle/http: Config.Gate is required")
	}
	if config.GetActor == nil {
		config.GetActor = ActorFromContext()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := config.GetActor(r)
			if !ok {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				}
				return
			}

			d := config.Gate.CheckAccess(r.Context(), actor)
			if !d.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					writeJSON(w, d.HTTPStatus(), d.Response())
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(goentitle.WithDecision(r.Context(), d)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // Response already committed
}

// Common extractors for convenience

// ActorFromContext returns an ActorExtractor reading the actor stored by
// goentitle.WithActor, as pkg/auth does.
func ActorFromContext() ActorExtractor {
	return func(r *http.Request) (goentitle.Actor, bool) {
		return goentitle.ActorFromContext(r.Context())
	}
}

// FromHeaders returns an ActorExtractor reading the principal kind, principal
// ID and user ID from headers. It suits services behind a trusted gateway.
func FromHeaders(kindHeader, principalHeader, userHeader string) ActorExtractor {
	return func(r *http.Request) (goentitle.Actor, bool) {
		kind, err := goentitle.ParsePrincipalKind(r.Header.Get(kindHeader))
		if err != nil {
			return goentitle.Actor{}, false
		}
		id := r.Header.Get(principalHeader)
		if id == "" {
			return goentitle.Actor{}, false
		}
		user := r.Header.Get(userHeader)
		if kind == goentitle.KindIndividual && user == "" {
			user = id
		}
		return goentitle.Actor{Principal: goentitle.PrincipalRef{Kind: kind, ID: id}, UserID: user}, true
	}
}
