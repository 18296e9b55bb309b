package goentitle

import (
	"errors"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

var (
	// ErrUnknownPrincipal is returned when a webhook references a principal
	// that does not exist locally
	ErrUnknownPrincipal = errors.New("unknown principal")

	// ErrInvalidSignature is returned when webhook authenticity cannot be verified
	ErrInvalidSignature = billing.ErrInvalidWebhookSignature

	// ErrStoreUnavailable is returned when the entitlement store cannot be reached
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrBillingProviderUnavailable is returned when a billing provider call fails or times out
	ErrBillingProviderUnavailable = billing.ErrProviderUnavailable

	// ErrStateDivergence marks local and provider subscription references that disagree
	ErrStateDivergence = errors.New("subscription state divergence")

	// ErrPrincipalNotFound is returned by stores for missing principals
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrPrincipalExists is returned when creating a principal that already exists
	ErrPrincipalExists = errors.New("principal already exists")

	// ErrVersionConflict is returned when a conditional write loses a race
	ErrVersionConflict = errors.New("entitlement version conflict")

	// ErrInvalidPrincipalKind is returned for kinds other than individual or organization
	ErrInvalidPrincipalKind = errors.New("invalid principal kind")

	// ErrInvalidPrincipalID is returned for empty or malformed principal identifiers
	ErrInvalidPrincipalID = errors.New("invalid principal id")

	// ErrNotSubscriptionManager is returned when the acting user may not change billing
	ErrNotSubscriptionManager = errors.New("user cannot manage this subscription")

	// ErrNoSubscription is returned for subscription operations on an unlinked principal
	ErrNoSubscription = errors.New("principal has no subscription")

	// ErrAlreadySubscribed is returned when starting checkout for an entitled principal
	ErrAlreadySubscribed = errors.New("principal already has an active subscription")

	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid configuration")
)
