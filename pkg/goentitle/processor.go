package goentitle

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Processor applies verified billing events to stored entitlements.
//
// Ordering rules: non-terminal events older than the principal's LastEventAt
// are skipped, terminal events always apply, and a checkout for the most
// recently ended subscription is skipped. Every handler is idempotent.
type Processor struct {
	*engine
}

// NewProcessor creates a Processor. config may be nil for defaults.
func NewProcessor(store Store, config *Config) (*Processor, error) {
	e, err := newEngine(store, nil, config)
	if err != nil {
		return nil, err
	}
	return &Processor{engine: e}, nil
}

// Process applies one event. Unknown principals on checkout return
// ErrUnknownPrincipal; events for subscriptions nobody holds are a no-op with
// EventUnknownPrincipal. Store failures wrap ErrStoreUnavailable so the
// caller can decide whether to ask for redelivery.
func (p *Processor) Process(ctx context.Context, ev billing.Event) (EventResult, error) {
	result, err := p.process(ctx, ev)
	p.config.Metrics.RecordWebhookEvent(string(ev.Type), result.Outcome)
	return result, err
}

func (p *Processor) process(ctx context.Context, ev billing.Event) (EventResult, error) {
	switch ev.Type {
	case billing.EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, ev)
	case billing.EventSubscriptionUpdated:
		if ev.Terminal() {
			return p.handleSubscriptionEnded(ctx, ev)
		}
		return p.handleSubscriptionUpdated(ctx, ev)
	case billing.EventSubscriptionDeleted:
		return p.handleSubscriptionEnded(ctx, ev)
	case billing.EventInvoicePaymentSucceeded:
		return p.handleInvoicePaymentSucceeded(ctx, ev)
	case billing.EventInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, ev)
	default:
		p.config.Logger.Debug("ignoring unsupported billing event",
			Field{"event_id", ev.ID}, Field{"event_type", ev.ProviderType})
		return EventResult{Outcome: EventIgnored}, nil
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, ev billing.Event) (EventResult, error) {
	fields := eventFields(ev)
	kind, err := ParsePrincipalKind(ev.PrincipalKind)
	if err != nil || ev.PrincipalID == "" {
		p.config.Logger.Warn("checkout event carries no principal", fields...)
		return EventResult{Outcome: EventUnknownPrincipal},
			fmt.Errorf("%w: checkout %s has no principal metadata", ErrUnknownPrincipal, ev.ID)
	}
	if ev.SubscriptionRef == "" {
		return EventResult{Outcome: EventIgnored}, nil
	}
	ref := PrincipalRef{Kind: kind, ID: ev.PrincipalID}
	fields = withFields(fields, principalFields(ref)...)

	before, after, outcome, err := p.mutate(ctx, ref, func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		e := cur.Entitlement
		if ev.SubscriptionRef == e.LastEndedSubscriptionRef {
			return EntitlementWrite{}, EventSkippedStale, false
		}
		// An older checkout must not override a live subscription. Without one,
		// LastEventAt may come from a reconcile and the checkout still applies.
		if e.BillingSubscriptionRef != "" && ev.CreatedAt.Before(e.LastEventAt) {
			return EntitlementWrite{}, EventSkippedStale, false
		}

		next := e.Clone()
		keep := ""
		if e.BillingSubscriptionRef == ev.SubscriptionRef {
			keep = e.PlanTier
		}
		next.BillingSubscriptionRef = ev.SubscriptionRef
		if ev.CustomerRef != "" {
			next.BillingCustomerRef = ev.CustomerRef
		}
		next.IsEntitled = true
		next.PlanTier = p.config.paidTier(kind, ev.PlanTier, keep)
		next.CancelScheduled = false
		next.EntitlementEndsAt = nil
		next.PaymentIssueSince = nil
		next.ProviderStatus = string(billing.StatusActive)
		next.LastEventAt = laterOf(e.LastEventAt, ev.CreatedAt)

		w := EntitlementWrite{Entitlement: next}
		if cur.Org != nil && cur.Org.Status == OrgStatusPending {
			w.OrgStatus = OrgStatusActive
		}
		return w, "", true
	})
	if errors.Is(err, ErrPrincipalNotFound) {
		p.config.Logger.Warn("checkout for unknown principal", fields...)
		return EventResult{Outcome: EventUnknownPrincipal, Principal: ref},
			fmt.Errorf("%w: %s", ErrUnknownPrincipal, ref)
	}
	if err != nil {
		return EventResult{Principal: ref}, fmt.Errorf("apply checkout %s: %w", ev.ID, err)
	}

	if outcome == EventSkippedStale {
		p.config.Logger.Info("skipping stale checkout event", fields...)
	} else if after != nil && after.Entitlement.IsEntitled {
		p.syncRecord(ctx, after, RecordActive, ev.SubscriptionRef)
	}
	return p.result(ref, before, after, outcome, ev), nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, ev billing.Event) (EventResult, error) {
	return p.applyToHolder(ctx, ev, func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		e := cur.Entitlement
		if ev.CreatedAt.Before(e.LastEventAt) {
			return EntitlementWrite{}, EventSkippedStale, false
		}

		next := e.Clone()
		if ev.Status != "" {
			next.ProviderStatus = string(ev.Status)
		}
		if ev.CustomerRef != "" {
			next.BillingCustomerRef = ev.CustomerRef
		}

		switch classifyStatus(ev.Status) {
		case classEntitled:
			next.PaymentIssueSince = nil
		case classGrace:
			if next.PaymentIssueSince == nil {
				since := ev.CreatedAt
				next.PaymentIssueSince = &since
			}
			if !p.config.graceActive(*next.PaymentIssueSince, p.now()) {
				next.IsEntitled = false
			}
		case classSuspended:
			if next.PaymentIssueSince == nil {
				since := ev.CreatedAt
				next.PaymentIssueSince = &since
			}
			next.IsEntitled = false
		default:
			// An update without a status changes scheduling only.
			if ev.Status != "" {
				next.IsEntitled = false
			}
		}

		if next.IsEntitled && ev.PlanTier != "" {
			next.PlanTier = ev.PlanTier
		}
		p.config.applySchedule(&next, ev.CancelAtPeriodEnd, ev.CurrentPeriodEnd)
		next.LastEventAt = laterOf(e.LastEventAt, ev.CreatedAt)
		return EntitlementWrite{Entitlement: next}, "", true
	})
}

// handleSubscriptionEnded revokes entitlement. Terminal events bypass the
// ordering check: nothing can follow the end of a subscription.
func (p *Processor) handleSubscriptionEnded(ctx context.Context, ev billing.Event) (EventResult, error) {
	result, err := p.applyToHolder(ctx, ev, p.endMutation(ev))
	if err == nil && result.Outcome == EventUnknownPrincipal && ev.SubscriptionRef != "" {
		return p.recordEndedBeforeCheckout(ctx, ev)
	}
	return result, err
}

func (p *Processor) endMutation(ev billing.Event) mutation {
	return func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		next := cur.Entitlement.Clone()
		p.config.endSubscription(&next, ev.SubscriptionRef)
		if ev.Status != "" {
			next.ProviderStatus = string(ev.Status)
		} else {
			next.ProviderStatus = string(billing.StatusCanceled)
		}
		next.LastEventAt = laterOf(cur.Entitlement.LastEventAt, ev.CreatedAt)
		return EntitlementWrite{Entitlement: next}, "", true
	}
}

// recordEndedBeforeCheckout handles a terminal event that arrives before the
// checkout linking its subscription. The principal named in the subscription
// metadata remembers the ended ref so the late checkout is skipped. Without
// metadata the event stays a no-op and reconciliation repairs any late grant.
func (p *Processor) recordEndedBeforeCheckout(ctx context.Context, ev billing.Event) (EventResult, error) {
	kind, err := ParsePrincipalKind(ev.PrincipalKind)
	if err != nil || ev.PrincipalID == "" {
		return EventResult{Outcome: EventUnknownPrincipal}, nil
	}
	ref := PrincipalRef{Kind: kind, ID: ev.PrincipalID}
	fields := withFields(eventFields(ev), principalFields(ref)...)
	end := p.endMutation(ev)

	before, after, outcome, err := p.mutate(ctx, ref, func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		e := cur.Entitlement
		if e.BillingSubscriptionRef == ev.SubscriptionRef {
			// The checkout landed in the meantime.
			return end(cur)
		}
		if e.LastEndedSubscriptionRef == ev.SubscriptionRef {
			return EntitlementWrite{}, EventUnchanged, false
		}
		next := e.Clone()
		next.LastEndedSubscriptionRef = ev.SubscriptionRef
		return EntitlementWrite{Entitlement: next}, "", true
	})
	if errors.Is(err, ErrPrincipalNotFound) {
		p.config.Logger.Info("no principal holds subscription, ignoring event", fields...)
		return EventResult{Outcome: EventUnknownPrincipal}, nil
	}
	if err != nil {
		return EventResult{Principal: ref}, fmt.Errorf("apply %s event %s: %w", ev.Type, ev.ID, err)
	}
	if outcome != EventApplied {
		return EventResult{Outcome: outcome, Principal: ref}, nil
	}

	if before.Entitlement.BillingSubscriptionRef != ev.SubscriptionRef {
		p.config.Logger.Info("subscription ended before its checkout was processed", fields...)
		return EventResult{Outcome: EventApplied, Principal: ref}, nil
	}
	if after.Kind == KindOrganization {
		p.syncRecord(ctx, after, RecordCancelled, ev.SubscriptionRef)
	}
	return p.result(ref, before, after, outcome, ev), nil
}

func (p *Processor) handleInvoicePaymentSucceeded(ctx context.Context, ev billing.Event) (EventResult, error) {
	return p.applyToHolder(ctx, ev, func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		e := cur.Entitlement
		if ev.CreatedAt.Before(e.LastEventAt) {
			return EntitlementWrite{}, EventSkippedStale, false
		}

		next := e.Clone()
		if !next.IsEntitled {
			next.IsEntitled = true
			next.PlanTier = p.config.paidTier(cur.Kind, e.PlanTier)
		}
		next.PaymentIssueSince = nil
		next.ProviderStatus = string(billing.StatusActive)
		next.LastEventAt = laterOf(e.LastEventAt, ev.CreatedAt)

		w := EntitlementWrite{Entitlement: next}
		if cur.Org != nil && cur.Org.Status == OrgStatusPending {
			w.OrgStatus = OrgStatusActive
		}
		return w, "", true
	})
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, ev billing.Event) (EventResult, error) {
	fields := eventFields(ev)
	result := EventResult{Outcome: EventIgnored}
	if ev.SubscriptionRef != "" {
		if holder, err := p.findBySubscriptionRef(ctx, ev.SubscriptionRef); err == nil {
			result.Principal = holder.Ref()
			fields = withFields(fields, principalFields(holder.Ref())...)
		}
	}
	// Entitlement follows the subscription status, which arrives separately.
	p.config.Logger.Warn("invoice payment failed", fields...)
	return result, nil
}

// applyToHolder runs fn against the principal holding ev.SubscriptionRef.
// The holder is re-checked on every attempt so a concurrent change of
// subscription turns the event into a no-op.
func (p *Processor) applyToHolder(ctx context.Context, ev billing.Event, fn mutation) (EventResult, error) {
	fields := eventFields(ev)
	if ev.SubscriptionRef == "" {
		p.config.Logger.Warn("billing event has no subscription reference", fields...)
		return EventResult{Outcome: EventIgnored}, nil
	}

	holder, err := p.findBySubscriptionRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, ErrPrincipalNotFound) {
		p.config.Logger.Info("no principal holds subscription, ignoring event", fields...)
		return EventResult{Outcome: EventUnknownPrincipal}, nil
	}
	if err != nil {
		return EventResult{}, fmt.Errorf("find subscription holder for %s: %w", ev.ID, err)
	}
	ref := holder.Ref()

	before, after, outcome, err := p.mutate(ctx, ref, func(cur *Principal) (EntitlementWrite, EventOutcome, bool) {
		if cur.Entitlement.BillingSubscriptionRef != ev.SubscriptionRef {
			return EntitlementWrite{}, EventSkippedStale, false
		}
		return fn(cur)
	})
	if err != nil {
		return EventResult{Principal: ref}, fmt.Errorf("apply %s event %s: %w", ev.Type, ev.ID, err)
	}
	if outcome == EventSkippedStale {
		p.config.Logger.Info("skipping stale billing event", withFields(fields, principalFields(ref)...)...)
	}

	if after != nil && after.Kind == KindOrganization && outcome == EventApplied {
		switch {
		case after.Entitlement.IsEntitled:
			p.syncRecord(ctx, after, RecordActive, after.Entitlement.BillingSubscriptionRef)
		case after.Entitlement.BillingSubscriptionRef == "":
			p.syncRecord(ctx, after, RecordCancelled, ev.SubscriptionRef)
		}
	}
	return p.result(ref, before, after, outcome, ev), nil
}

func (p *Processor) result(ref PrincipalRef, before, after *Principal, outcome EventOutcome, ev billing.Event) EventResult {
	res := EventResult{Outcome: outcome, Principal: ref}
	if outcome == EventApplied {
		res.Transition = p.transition(before, after, "webhook:"+string(ev.Type), ev.ID)
	}
	return res
}

func eventFields(ev billing.Event) []Field {
	return []Field{
		{Key: "event_id", Value: ev.ID},
		{Key: "event_type", Value: ev.ProviderType},
		{Key: "subscription_ref", Value: ev.SubscriptionRef},
		{Key: "customer_ref", Value: ev.CustomerRef},
	}
}
