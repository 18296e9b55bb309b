// Package prommetrics implements goentitle.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Metrics implements goentitle.Metrics using Prometheus.
type Metrics struct {
	reconciliationsTotal       *prometheus.CounterVec
	reconciliationDuration     *prometheus.HistogramVec
	webhookEventsTotal         *prometheus.CounterVec
	gateDecisionsTotal         *prometheus.CounterVec
	stateDivergenceTotal       *prometheus.CounterVec
	entitlementChangesTotal    *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of pull reconciliations by outcome.",
		}, []string{"kind", "outcome"}),

		reconciliationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Latency of pull reconciliations, including provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_processed_total",
			Help:      "Total number of billing events applied to entitlements, by outcome.",
		}, []string{"event_type", "outcome"}),

		gateDecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of authorization decisions.",
		}, []string{"kind", "allowed", "code"}),

		stateDivergenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_divergence_total",
			Help:      "Total number of local and provider subscription mismatches.",
		}, []string{"kind"}),

		entitlementChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_changes_total",
			Help:      "Total number of entitlement grants and revocations.",
		}, []string{"kind", "change", "source"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordReconciliation(kind goentitle.PrincipalKind, outcome goentitle.ReconcileOutcome, duration time.Duration) {
	m.reconciliationsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
	m.reconciliationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookEvent(eventType string, outcome goentitle.EventOutcome) {
	m.webhookEventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
}

func (m *Metrics) RecordGateDecision(kind goentitle.PrincipalKind, allowed bool, code goentitle.DenyCode) {
	m.gateDecisionsTotal.WithLabelValues(string(kind), strconv.FormatBool(allowed), string(code)).Inc()
}

func (m *Metrics) RecordStateDivergence(kind goentitle.PrincipalKind) {
	m.stateDivergenceTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordEntitlementChange(kind goentitle.PrincipalKind, granted bool, source string) {
	change := "revoked"
	if granted {
		change = "granted"
	}
	m.entitlementChangesTotal.WithLabelValues(string(kind), change, source).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ goentitle.Metrics = (*Metrics)(nil)
