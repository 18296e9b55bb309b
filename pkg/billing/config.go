package billing

// Config defines the standard configuration all providers should accept
type Config struct {
	// TierMapping maps provider price/product IDs to plan tiers.
	// For example: map[string]string{"price_team_monthly": "business"}
	// Reserved keys:
	//   - "*" or "default": tier used for prices that are not mapped
	TierMapping map[string]string

	// WebhookSecret is the signing secret used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
