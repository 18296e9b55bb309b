package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// VerifyAndParseEvent checks the Stripe-Signature header and normalizes the
// event. An empty secret falls back to the configured webhook secret.
func (p *Provider) VerifyAndParseEvent(payload []byte, signatureHeader, secret string) (*billing.Event, error) {
	if secret == "" {
		secret = p.webhookSecret
	}
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", billing.ErrInvalidWebhookSignature)
	}

	// Endpoints are pinned to whatever API version the dashboard uses; the
	// fields read below are stable across versions.
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	return p.normalizeEvent(&event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// normalizeEvent maps a verified Stripe event onto billing.Event.
// Unknown event types are returned with Type EventUnsupported.
func (p *Provider) normalizeEvent(event *stripe.Event) (*billing.Event, error) {
	out := &billing.Event{
		ID:           event.ID,
		Type:         billing.EventUnsupported,
		ProviderType: string(event.Type),
		CreatedAt:    time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	raw := event.Data.Raw

	var err error
	switch event.Type {
	case "checkout.session.completed":
		err = p.parseCheckoutSession(raw, out)
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		out.Type = billing.EventSubscriptionUpdated
		err = p.parseSubscription(raw, out)
	case "customer.subscription.deleted":
		out.Type = billing.EventSubscriptionDeleted
		err = p.parseSubscription(raw, out)
	case "invoice.payment_succeeded":
		out.Type = billing.EventInvoicePaymentSucceeded
		err = parseInvoice(raw, out)
	case "invoice.payment_failed":
		out.Type = billing.EventInvoicePaymentFailed
		err = parseInvoice(raw, out)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return out, nil
}

func (p *Provider) parseCheckoutSession(raw json.RawMessage, out *billing.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}
	// One-time payments carry no subscription.
	if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil ||
		session.Subscription.ID == "" {
		return nil
	}

	out.Type = billing.EventCheckoutCompleted
	out.SubscriptionRef = session.Subscription.ID
	if session.Customer != nil {
		out.CustomerRef = session.Customer.ID
	}
	out.PrincipalKind, out.PrincipalID = principalFromMetadata(session.Metadata)
	out.PlanTier = session.Metadata[billing.MetadataPlanTier]
	return nil
}

func (p *Provider) parseSubscription(raw json.RawMessage, out *billing.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	view := p.toSubscription(&sub)

	out.SubscriptionRef = view.ID
	out.CustomerRef = view.CustomerRef
	out.Status = view.Status
	out.CancelAtPeriodEnd = view.CancelAtPeriodEnd
	out.CurrentPeriodEnd = view.CurrentPeriodEnd
	out.PlanTier = view.PlanTier
	out.PrincipalKind, out.PrincipalID = principalFromMetadata(sub.Metadata)

	// Payloads rendered with API versions before 2025-03-31 keep the period
	// on the subscription itself.
	if out.CurrentPeriodEnd == nil {
		var legacy struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		}
		if err := json.Unmarshal(raw, &legacy); err == nil {
			out.CurrentPeriodEnd = unixPtr(legacy.CurrentPeriodEnd)
		}
	}
	return nil
}

// parseInvoice reads the invoice's customer and subscription. The subscription
// moved under parent.subscription_details in newer API versions, so both
// locations are read from the raw payload.
func parseInvoice(raw json.RawMessage, out *billing.Event) error {
	var inv struct {
		Customer     json.RawMessage `json:"customer"`
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	out.CustomerRef = expandableID(inv.Customer)
	out.SubscriptionRef = expandableID(inv.Subscription)
	if out.SubscriptionRef == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionRef = expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return nil
}

// expandableID returns the ID of a Stripe expandable field, which is either
// a bare ID string or an object with an "id" field.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// principalFromMetadata reads the principal stamped at checkout. The legacy
// user_id key implies an individual.
func principalFromMetadata(md map[string]string) (kind, id string) {
	if id = md[billing.MetadataPrincipalID]; id != "" {
		kind = md[billing.MetadataPrincipalKind]
		if kind == "" {
			kind = "individual"
		}
		return kind, id
	}
	if id = md[billing.MetadataUserID]; id != "" {
		return "individual", id
	}
	return "", ""
}
