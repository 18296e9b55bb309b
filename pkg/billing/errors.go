package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderUnavailable is returned when a provider call fails or times out
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrSubscriptionNotFound is returned when the provider has no such subscription
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrTierNotConfigured is returned when a tier is not found in TierMapping
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
