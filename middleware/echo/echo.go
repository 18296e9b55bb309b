// Package echo provides Echo middleware that admits requests only for entitled
// principals.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Echo context key holding the Decision of an admitted request.
const DecisionKey = "goentitle.decision"

// ActorExtractor resolves the caller from an Echo context.
// Return false if the caller is not authenticated.
type ActorExtractor func(c echo.Context) (goentitle.Actor, bool)

// Config holds middleware configuration
type Config struct {
	// Gate answers access questions (required)
	Gate goentitle.AccessChecker

	// GetActor resolves the caller (default: the actor in the request context)
	GetActor ActorExtractor

	// OnDenied is called when the Gate denies access
	// If nil, writes Decision.HTTPStatus() with a JSON DenialResponse
	OnDenied func(c echo.Context, d goentitle.Decision) error

	// OnUnauthorized is called when no actor could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

// Middleware creates an Echo middleware that enforces entitlement
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("goentitle/echo: Config.Gate is required")
	}
	if cfg.GetActor == nil {
		cfg.GetActor = ActorFromRequest()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := cfg.GetActor(c)
			if !ok {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			req := c.Request()
			d := cfg.Gate.CheckAccess(req.Context(), actor)
			if !d.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return c.JSON(d.HTTPStatus(), d.Response())
			}

			c.Set(DecisionKey, d)
			c.SetRequest(req.WithContext(goentitle.WithDecision(req.Context(), d)))
			return next(c)
		}
	}
}

// DecisionFromContext returns the Decision stored by Middleware.
func DecisionFromContext(c echo.Context) (goentitle.Decision, bool) {
	d, ok := c.Get(DecisionKey).(goentitle.Decision)
	return d, ok
}

// ActorFromRequest returns an ActorExtractor reading the actor that
// goentitle.WithActor stored in the request context.
func ActorFromRequest() ActorExtractor {
	return func(c echo.Context) (goentitle.Actor, bool) {
		return goentitle.ActorFromContext(c.Request().Context())
	}
}

// ActorFromKey returns an ActorExtractor reading a goentitle.Actor set on the
// Echo context under key.
func ActorFromKey(key string) ActorExtractor {
	return func(c echo.Context) (goentitle.Actor, bool) {
		a, ok := c.Get(key).(goentitle.Actor)
		return a, ok
	}
}
