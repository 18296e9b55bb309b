package goentitle

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordReconciliation records the outcome of a pull reconciliation.
	RecordReconciliation(kind PrincipalKind, outcome ReconcileOutcome, duration time.Duration)

	// RecordWebhookEvent records the outcome of a processed billing event.
	RecordWebhookEvent(eventType string, outcome EventOutcome)

	// RecordGateDecision records an authorization decision.
	RecordGateDecision(kind PrincipalKind, allowed bool, code DenyCode)

	// RecordStateDivergence records a local/provider subscription mismatch.
	RecordStateDivergence(kind PrincipalKind)

	// RecordEntitlementChange records a stored entitlement flip.
	RecordEntitlementChange(kind PrincipalKind, granted bool, source string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReconciliation(PrincipalKind, ReconcileOutcome, time.Duration) {}
func (n *NoopMetrics) RecordWebhookEvent(string, EventOutcome)                            {}
func (n *NoopMetrics) RecordGateDecision(PrincipalKind, bool, DenyCode)                   {}
func (n *NoopMetrics) RecordStateDivergence(PrincipalKind)                                {}
func (n *NoopMetrics) RecordEntitlementChange(PrincipalKind, bool, string)                {}
func (n *NoopMetrics) RecordStorageOperation(string, time.Duration, error)                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(string)                             {}
