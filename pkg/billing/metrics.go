package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook delivery from the billing provider.
	// eventType: the provider event type (e.g., "customer.subscription.updated")
	// status: the processing outcome (e.g., "applied", "ignored", "error")
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/subscriptions/retrieve")
	// status: "success", "not_found" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordSessionCreated records a hosted checkout or portal session.
	// session: "checkout" or "portal"
	RecordSessionCreated(provider, session, principalKind string)

	// RecordSubscriptionStatus records the status of a subscription read from the provider.
	RecordSubscriptionStatus(provider string, status SubscriptionStatus)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordSessionCreated(_, _, _ string)                          {}
func (n *NoopMetrics) RecordSubscriptionStatus(_ string, _ SubscriptionStatus)      {}
