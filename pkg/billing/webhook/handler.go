// Package webhook serves the billing provider's webhook endpoint and hands
// verified events to the entitlement processor.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	// DefaultMaxBodyBytes caps webhook payloads. Stripe events are well below it.
	DefaultMaxBodyBytes = 256 * 1024
	// DefaultProcessTimeout bounds processing of one delivery.
	DefaultProcessTimeout = 10 * time.Second
	// DefaultSignatureHeader is where Stripe puts the payload signature.
	DefaultSignatureHeader = "Stripe-Signature"

	defaultRateLimit  = 100
	defaultRateWindow = time.Minute

	// DeliveryIDHeader is set on every response for correlation with logs.
	DeliveryIDHeader = "X-Delivery-ID"
)

// Processor applies a verified event. *goentitle.Processor and
// *goentitle.Manager implement it.
type Processor interface {
	Process(ctx context.Context, ev billing.Event) (goentitle.EventResult, error)
}

// Config configures the webhook handler.
type Config struct {
	// Client verifies signatures and normalizes payloads (required).
	Client billing.Client

	// Processor applies the events (required).
	Processor Processor

	// Secret overrides the client's configured signing secret.
	Secret string

	// SignatureHeader names the signature header (default: Stripe-Signature).
	SignatureHeader string

	// MaxBodyBytes caps the request body (default: 256 KiB).
	MaxBodyBytes int64

	// ProcessTimeout bounds event processing (default: 10s). Processing is
	// detached from the request context so a provider disconnect does not
	// abort a half-applied event.
	ProcessTimeout time.Duration

	// RateLimit is the number of deliveries allowed per RateWindow per client
	// IP (default: 100 per minute). Negative disables limiting.
	RateLimit  int
	RateWindow time.Duration

	// Metrics records deliveries (default: no-op).
	Metrics billing.Metrics

	// Logger logs rejected and failed deliveries (default: no-op).
	Logger goentitle.Logger
}

// Handler is the http.Handler for POST /webhooks/billing.
//
// Responses: 200 for every delivery that was verified and dispatched, even if
// processing failed or the principal is unknown; 400 when the signature does
// not verify; 405, 413 and 429 for malformed traffic; 503 when no signing
// secret is configured.
type Handler struct {
	client    billing.Client
	processor Processor
	secret    string
	header    string
	maxBody   int64
	timeout   time.Duration
	limiter   *internal.RateLimiter
	metrics   billing.Metrics
	logger    goentitle.Logger
	provider  string
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("%w: webhook handler needs a billing client", billing.ErrProviderNotConfigured)
	}
	if cfg.Processor == nil {
		return nil, errors.New("webhook handler needs a processor")
	}

	h := &Handler{
		client:    cfg.Client,
		processor: cfg.Processor,
		secret:    cfg.Secret,
		header:    cfg.SignatureHeader,
		maxBody:   cfg.MaxBodyBytes,
		timeout:   cfg.ProcessTimeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		provider:  cfg.Client.Name(),
	}
	if h.header == "" {
		h.header = DefaultSignatureHeader
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxBodyBytes
	}
	if h.timeout <= 0 {
		h.timeout = DefaultProcessTimeout
	}
	if h.metrics == nil {
		h.metrics = &billing.NoopMetrics{}
	}
	if h.logger == nil {
		h.logger = &goentitle.NoopLogger{}
	}
	if cfg.RateLimit >= 0 {
		limit, window := cfg.RateLimit, cfg.RateWindow
		if limit == 0 {
			limit = defaultRateLimit
		}
		if window <= 0 {
			window = defaultRateWindow
		}
		h.limiter = internal.NewRateLimiter(limit, window)
	}
	return h, nil
}

type response struct {
	Received   bool   `json:"received"`
	DeliveryID string `json:"deliveryId"`
	EventID    string `json:"eventId,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	DeliveryID string `json:"deliveryId"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)
	deliveryID := uuid.NewString()
	w.Header().Set(DeliveryIDHeader, deliveryID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.reject(w, deliveryID, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return
	}

	clientIP := internal.GetClientIP(r)
	if h.limiter != nil && !h.limiter.Allow(clientIP) {
		h.reject(w, deliveryID, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.reject(w, deliveryID, http.StatusRequestEntityTooLarge, "payload too large", "payload_too_large")
			return
		}
		h.reject(w, deliveryID, http.StatusBadRequest, "invalid payload", "invalid_payload")
		return
	}

	fields := []goentitle.Field{
		{Key: "delivery_id", Value: deliveryID},
		{Key: "provider", Value: h.provider},
		{Key: "client_ip", Value: clientIP},
	}

	ev, err := h.client.VerifyAndParseEvent(body, r.Header.Get(h.header), h.secret)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrProviderNotConfigured):
		h.logger.Error("webhook signing secret not configured", fields...)
		h.reject(w, deliveryID, http.StatusServiceUnavailable, "webhook not configured", "not_configured")
		return
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		h.logger.Warn("rejecting webhook with invalid signature",
			append(fields, goentitle.Field{Key: "error", Value: err.Error()})...)
		h.reject(w, deliveryID, http.StatusBadRequest, "invalid signature", "auth_failed")
		return
	default:
		// The payload is authentic but unusable; redelivery would fail the same way.
		h.logger.Error("acknowledging unparseable webhook",
			append(fields, goentitle.Field{Key: "error", Value: err.Error()})...)
		h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		h.acknowledge(w, response{Received: true, DeliveryID: deliveryID, Outcome: "invalid_payload"})
		return
	}

	fields = append(fields,
		goentitle.Field{Key: "event_id", Value: ev.ID},
		goentitle.Field{Key: "event_type", Value: ev.ProviderType})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()
	result, err := h.processor.Process(ctx, *ev)

	status := string(result.Outcome)
	if err != nil {
		status = "error"
		if errors.Is(err, goentitle.ErrUnknownPrincipal) {
			status = string(goentitle.EventUnknownPrincipal)
			h.logger.Warn("webhook references unknown principal",
				append(fields, goentitle.Field{Key: "error", Value: err.Error()})...)
		} else {
			h.metrics.RecordWebhookError(h.provider, "processing_error")
			h.logger.Error("webhook processing failed, acknowledging for manual follow-up",
				append(fields, goentitle.Field{Key: "error", Value: err.Error()})...)
		}
	} else {
		h.logger.Debug("webhook processed", append(fields, goentitle.Field{Key: "outcome", Value: status})...)
	}

	h.metrics.RecordWebhookEvent(h.provider, ev.ProviderType, status)
	h.metrics.RecordWebhookProcessingDuration(h.provider, ev.ProviderType, time.Since(start))
	h.acknowledge(w, response{Received: true, DeliveryID: deliveryID, EventID: ev.ID, Outcome: status})
}

func (h *Handler) acknowledge(w http.ResponseWriter, resp response) {
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) reject(w http.ResponseWriter, deliveryID string, code int, msg, errorType string) {
	h.metrics.RecordWebhookError(h.provider, errorType)
	_ = internal.WriteJSON(w, code, errorResponse{Error: msg, DeliveryID: deliveryID})
}
