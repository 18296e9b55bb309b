// Package fiber provides Fiber middleware that admits requests only for
// entitled principals.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DecisionKey is the Fiber locals key holding the Decision of an admitted request.
const DecisionKey = "goentitle.decision"

// ActorExtractor resolves the caller from a Fiber context.
// Return false if the caller is not authenticated.
type ActorExtractor func(c *fiber.Ctx) (goentitle.Actor, bool)

// Config holds middleware configuration
type Config struct {
	// Gate answers access questions (required)
	Gate goentitle.AccessChecker

	// GetActor resolves the caller (default: the actor in c.UserContext())
	GetActor ActorExtractor

	// OnDenied is called when the Gate denies access
	// If nil, writes Decision.HTTPStatus() with a JSON DenialResponse
	OnDenied func(c *fiber.Ctx, d goentitle.Decision) error

	// OnUnauthorized is called when no actor could be resolved
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

// Middleware creates a Fiber middleware that enforces entitlement
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("goentitle/fiber: Config.Gate is required")
	}
	if cfg.GetActor == nil {
		cfg.GetActor = ActorFromUserContext()
	}

	return func(c *fiber.Ctx) error {
		actor, ok := cfg.GetActor(c)
		if !ok {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		d := cfg.Gate.CheckAccess(c.UserContext(), actor)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			return c.Status(d.HTTPStatus()).JSON(d.Response())
		}

		c.Locals(DecisionKey, d)
		c.SetUserContext(goentitle.WithDecision(c.UserContext(), d))
		return c.Next()
	}
}

// DecisionFromContext returns the Decision stored by Middleware.
func DecisionFromContext(c *fiber.Ctx) (goentitle.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(goentitle.Decision)
	return d, ok
}

// ActorFromUserContext returns an ActorExtractor reading the actor that
// goentitle.WithActor stored in c.UserContext().
func ActorFromUserContext() ActorExtractor {
	return func(c *fiber.Ctx) (goentitle.Actor, bool) {
		return goentitle.ActorFromContext(c.UserContext())
	}
}

// ActorFromLocals returns an ActorExtractor reading a goentitle.Actor stored
// in c.Locals under key.
func ActorFromLocals(key string) ActorExtractor {
	return func(c *fiber.Ctx) (goentitle.Actor, bool) {
		a, ok := c.Locals(key).(goentitle.Actor)
		return a, ok
	}
}
