package goentitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Reconciler pulls subscription state from the billing provider and writes the
// resulting entitlement. It is the pull path; Processor is the push path.
type Reconciler struct {
	*engine
	group singleflight.Group
}

// NewReconciler creates a Reconciler. config may be nil for defaults.
func NewReconciler(store Store, client billing.Client, config *Config) (*Reconciler, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: billing client is required", ErrInvalidConfig)
	}
	e, err := newEngine(store, client, config)
	if err != nil {
		return nil, err
	}
	return &Reconciler{engine: e}, nil
}

// Reconcile brings the principal's entitlement in line with the provider.
//
// Expected outcomes are reported in the result: an unknown principal yields
// OutcomeNotFound, and an unreachable provider or store yields the cached view
// with Stale set. Only a failure to load the principal is returned as an error.
// Concurrent calls for the same principal share one execution.
func (r *Reconciler) Reconcile(ctx context.Context, ref PrincipalRef) (ReconciliationResult, error) {
	if err := ref.Validate(); err != nil {
		return ReconciliationResult{}, err
	}

	start := time.Now()
	// The shared execution must not die with whichever caller arrived first;
	// every step carries its own timeout.
	ch := r.group.DoChan(ref.String(), func() (interface{}, error) {
		return r.reconcile(context.WithoutCancel(ctx), ref, "reconcile")
	})

	select {
	case <-ctx.Done():
		return ReconciliationResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ReconciliationResult{}, res.Err
		}
		result := res.Val.(ReconciliationResult)
		r.config.Metrics.RecordReconciliation(ref.Kind, result.Outcome, time.Since(start))
		return result, nil
	}
}

func (r *Reconciler) reconcile(ctx context.Context, ref PrincipalRef, source string) (ReconciliationResult, error) {
	log := principalFields(ref)

	var last ReconciliationResult
	for attempt := 0; attempt < r.config.MaxWriteAttempts; attempt++ {
		p, err := r.getPrincipal(ctx, ref)
		if errors.Is(err, ErrPrincipalNotFound) {
			return ReconciliationResult{Outcome: OutcomeNotFound, Principal: ref}, nil
		}
		if err != nil {
			return ReconciliationResult{}, fmt.Errorf("load principal %s: %w", ref, err)
		}

		if p.Entitlement.BillingSubscriptionRef == "" {
			return r.reconcileUnlinked(ctx, p, source)
		}

		sub, diverged, err := r.resolveSubscription(ctx, p)
		if err != nil {
			r.config.Logger.Warn("billing provider unavailable, returning cached entitlement",
				withFields(log, Field{"subscription_ref", p.Entitlement.BillingSubscriptionRef},
					Field{"error", err.Error()})...)
			return staleResult(p, ErrBillingProviderUnavailable), nil
		}

		result, err := r.applySnapshot(ctx, p, sub, diverged, source)
		if errors.Is(err, ErrVersionConflict) {
			last = staleResult(p, ErrVersionConflict)
			continue
		}
		if err != nil {
			r.config.Logger.Warn("entitlement write failed, returning cached entitlement",
				withFields(log, Field{"error", err.Error()})...)
			return staleResult(p, ErrStoreUnavailable), nil
		}
		return result, nil
	}
	return last, nil
}

// reconcileUnlinked handles a principal with no subscription reference: it
// must not be entitled, and the provider is not consulted.
func (r *Reconciler) reconcileUnlinked(ctx context.Context, p *Principal, source string) (ReconciliationResult, error) {
	e := p.Entitlement
	if !e.IsEntitled && !e.CancelScheduled && e.EntitlementEndsAt == nil && e.PaymentIssueSince == nil {
		return resultFromPrincipal(OutcomeNoSubscription, p), nil
	}

	now := r.now()
	next := e.Clone()
	r.config.endSubscription(&next, "")
	next.LastSyncedAt = &now

	updated, err := r.writeEntitlement(ctx, p.Ref(), EntitlementWrite{Entitlement: next, ExpectedVersion: p.Version})
	if errors.Is(err, ErrVersionConflict) {
		return staleResult(p, ErrVersionConflict), nil
	}
	if err != nil {
		return staleResult(p, ErrStoreUnavailable), nil
	}
	r.transition(p, updated, source, "")
	return resultFromPrincipal(OutcomeNoSubscription, updated), nil
}

// resolveSubscription fetches the principal's subscription and lists the
// customer's active subscriptions. When the local one is not entitled or
// missing, an entitled subscription of the same customer replaces it. When the
// local one is entitled, another entitled subscription is a double
// subscription: it is reported as divergence and the local one is kept.
func (r *Reconciler) resolveSubscription(ctx context.Context, p *Principal) (*billing.Subscription, bool, error) {
	localRef := p.Entitlement.BillingSubscriptionRef

	pctx, cancel := r.providerCtx(ctx)
	sub, err := r.client.RetrieveSubscription(pctx, localRef)
	cancel()
	err = normalizeProviderErr(err)
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		sub = nil
	case err != nil:
		return nil, false, err
	}
	localEntitled := sub != nil && classifyStatus(sub.Status) == classEntitled

	customerRef := p.Entitlement.BillingCustomerRef
	if sub != nil && sub.CustomerRef != "" {
		customerRef = sub.CustomerRef
	}
	if customerRef == "" {
		return sub, false, nil
	}

	pctx, cancel = r.providerCtx(ctx)
	candidates, err := r.client.ListSubscriptions(pctx, customerRef, billing.SubscriptionFilter{Status: billing.StatusActive})
	cancel()
	if err != nil {
		if sub == nil {
			// Nothing authoritative to act on.
			return nil, false, normalizeProviderErr(err)
		}
		r.config.Logger.Warn("could not list customer subscriptions, using retrieved subscription",
			withFields(principalFields(p.Ref()), Field{"customer_ref", customerRef}, Field{"error", err.Error()})...)
		return sub, false, nil
	}

	for i := range candidates {
		c := candidates[i]
		if classifyStatus(c.Status) != classEntitled || c.ID == localRef {
			continue
		}
		r.config.Metrics.RecordStateDivergence(p.Kind)
		fields := withFields(principalFields(p.Ref()),
			Field{"customer_ref", customerRef},
			Field{"local_subscription_ref", localRef},
			Field{"provider_subscription_ref", c.ID},
			Field{"error", ErrStateDivergence.Error()})
		if localEntitled {
			r.config.Logger.Error("customer holds more than one entitled subscription, keeping local subscription", fields...)
			return sub, true, nil
		}
		r.config.Logger.Warn("subscription state divergence, adopting provider subscription", fields...)
		return &c, true, nil
	}
	return sub, false, nil
}

// applySnapshot writes the entitlement derived from sub. A nil sub means the
// provider no longer knows the local subscription, which ends it.
func (r *Reconciler) applySnapshot(ctx context.Context, p *Principal, sub *billing.Subscription,
	diverged bool, source string) (ReconciliationResult, error) {
	now := r.now()
	cur := p.Entitlement

	var next Entitlement
	if sub == nil {
		next = cur.Clone()
		r.config.endSubscription(&next, cur.BillingSubscriptionRef)
		next.ProviderStatus = string(billing.StatusCanceled)
	} else {
		next = r.config.fromSubscription(p.Kind, cur, sub, now)
	}
	// LastEventAt orders provider events only; the local clock never moves it.
	next.LastSyncedAt = &now

	w := EntitlementWrite{Entitlement: next, ExpectedVersion: p.Version}
	if p.Kind == KindOrganization && next.IsEntitled && p.Org != nil && p.Org.Status == OrgStatusPending {
		w.OrgStatus = OrgStatusActive
	}

	if p.Kind == KindOrganization {
		r.checkRecordDivergence(ctx, p)
	}

	updated, err := r.writeEntitlement(ctx, p.Ref(), w)
	if err != nil {
		return ReconciliationResult{}, err
	}

	if p.Kind == KindOrganization {
		switch {
		case next.IsEntitled:
			r.syncRecord(ctx, updated, RecordActive, next.BillingSubscriptionRef)
		case next.BillingSubscriptionRef != "":
			r.syncRecord(ctx, updated, RecordCancelled, next.BillingSubscriptionRef)
		default:
			r.syncRecord(ctx, updated, RecordCancelled, next.LastEndedSubscriptionRef)
		}
	}

	r.transition(p, updated, source, "")
	result := resultFromPrincipal(OutcomeReconciled, updated)
	result.Diverged = diverged
	return result, nil
}

// checkRecordDivergence logs when the organization's ACTIVE record points at a
// different subscription than the organization itself.
func (r *Reconciler) checkRecordDivergence(ctx context.Context, p *Principal) {
	recs, err := r.listRecords(ctx, p.ID)
	if err != nil {
		return
	}
	for _, rec := range recs {
		if rec.Status != RecordActive {
			continue
		}
		if rec.BillingSubscriptionRef != "" && p.Entitlement.BillingSubscriptionRef != "" &&
			rec.BillingSubscriptionRef != p.Entitlement.BillingSubscriptionRef {
			r.config.Metrics.RecordStateDivergence(p.Kind)
			r.config.Logger.Error("subscription record diverges from organization",
				withFields(principalFields(p.Ref()),
					Field{"subscription_ref", p.Entitlement.BillingSubscriptionRef},
					Field{"record_subscription_ref", rec.BillingSubscriptionRef},
					Field{"record_id", rec.ID},
					Field{"error", ErrStateDivergence.Error()})...)
		}
		return
	}
}

func staleResult(p *Principal, reason error) ReconciliationResult {
	result := resultFromPrincipal(OutcomeStale, p)
	result.Stale = true
	result.StaleReason = reason.Error()
	return result
}
