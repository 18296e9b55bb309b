// Package gin provides Gin middleware that admits requests only for entitled
// principals.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Gin context key holding the Decision of an admitted request.
const DecisionKey = "goentitle.decision"

// ActorExtractor resolves the caller from a Gin context.
// Return false if the caller is not authenticated.
type ActorExtractor func(c *gongin.Context) (goentitle.Actor, bool)

// Config holds middleware configuration
type Config struct {
	// Gate answers access questions (required)
	Gate goentitle.AccessChecker

	// GetActor resolves the caller (default: the actor in the request context)
	GetActor ActorExtractor

	// OnDenied is called when the Gate denies access
	// If nil, writes Decision.HTTPStatus() with a JSON DenialResponse
	OnDenied func(c *gongin.Context, d goentitle.Decision)

	// OnUnauthorized is called when no actor could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

// Middleware creates a Gin middleware that enforces entitlement
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Gate == nil {
		panic("goentitle/gin: Config.Gate is required")
	}
	if cfg.GetActor == nil {
		cfg.GetActor = ActorFromRequest()
	}

	return func(c *gongin.Context) {
		actor, ok := cfg.GetActor(c)
		if !ok {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		d := cfg.Gate.CheckAccess(c.Request.Context(), actor)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				c.JSON(d.HTTPStatus(), d.Response())
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Request = c.Request.WithContext(goentitle.WithDecision(c.Request.Context(), d))
		c.Next()
	}
}

// DecisionFromContext returns the Decision stored by Middleware.
func DecisionFromContext(c *gongin.Context) (goentitle.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return goentitle.Decision{}, false
	}
	d, ok := v.(goentitle.Decision)
	return d, ok
}

// ActorFromRequest returns an ActorExtractor reading the actor that
// goentitle.WithActor stored in the request context.
func ActorFromRequest() ActorExtractor {
	return func(c *gongin.Context) (goentitle.Actor, bool) {
		return goentitle.ActorFromContext(c.Request.Context())
	}
}

// ActorFromKey returns an ActorExtractor reading a goentitle.Actor set on the
// Gin context under key by an earlier handler.
func ActorFromKey(key string) ActorExtractor {
	return func(c *gongin.Context) (goentitle.Actor, bool) {
		v, ok := c.Get(key)
		if !ok {
			return goentitle.Actor{}, false
		}
		a, ok := v.(goentitle.Actor)
		return a, ok
	}
}
