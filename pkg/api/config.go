package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const defaultMaxInvoices = 24

// Config holds configuration for the subscription API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *goentitle.Manager

	// GetActor resolves the authenticated actor of a request.
	// If nil, uses the actor stored by goentitle.WithActor (see pkg/auth).
	GetActor func(*http.Request) (goentitle.Actor, bool)

	// SuccessURL and CancelURL are used for checkout when the request omits them
	SuccessURL string
	CancelURL  string

	// ReturnURL is where the billing portal sends the customer back
	ReturnURL string

	// MaxInvoices caps the payment history page size (default: 24)
	MaxInvoices int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger logs failed requests (default: no-op)
	Logger goentitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.MaxInvoices < 0 {
		return fmt.Errorf("maxInvoices must not be negative")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetActor == nil {
		config.GetActor = FromContext()
	}
	if config.MaxInvoices == 0 {
		config.MaxInvoices = defaultMaxInvoices
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common actor extraction patterns

// FromContext returns a GetActor function that reads the actor stored by
// goentitle.WithActor.
func FromContext() func(*http.Request) (goentitle.Actor, bool) {
	return func(r *http.Request) (goentitle.Actor, bool) {
		return goentitle.ActorFromContext(r.Context())
	}
}

// FromHeaders returns a GetActor function that reads the principal kind, the
// principal ID and the acting user from request headers. An individual without
// a user header acts for itself. Only use it behind a trusted proxy.
func FromHeaders(kindHeader, principalHeader, userHeader string) func(*http.Request) (goentitle.Actor, bool) {
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
		return goentitle.Actor{
			Principal: goentitle.PrincipalRef{Kind: kind, ID: id},
			UserID:    user,
		}, true
	}
}
