package goentitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// engine holds the dependencies shared by the Reconciler, Processor and Gate.
type engine struct {
	store    Store
	client   billing.Client
	config   Config
	notifier *notifier
}

func newEngine(store Store, client billing.Client, config *Config) (*engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	var cfg Config
	if config != nil {
		if err := config.Validate(); err != nil {
			return nil, err
		}
		cfg = *config
	}
	cfg = cfg.withDefaults()

	if cb := cfg.CircuitBreakerConfig; cb != nil && cb.Enabled {
		metrics := cfg.Metrics
		logger := cfg.Logger
		breaker := NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("store circuit breaker state changed", Field{"state", string(state)})
		})
		store = NewCircuitBreakerStore(store, breaker)
	}

	return &engine{
		store:    store,
		client:   client,
		config:   cfg,
		notifier: newNotifier(cfg.OnTransition, cfg.MaxPendingNotifications, cfg.Logger),
	}, nil
}

func (e *engine) now() time.Time {
	return e.config.Now()
}

func (e *engine) getPrincipal(ctx context.Context, ref PrincipalRef) (*Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	p, err := e.store.GetPrincipal(ctx, ref)
	e.config.Metrics.RecordStorageOperation("get_principal", time.Since(start), err)
	return p, normalizeStoreErr(err)
}

func (e *engine) findBySubscriptionRef(ctx context.Context, subscriptionRef string) (*Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	p, err := e.store.FindBySubscriptionRef(ctx, subscriptionRef)
	e.config.Metrics.RecordStorageOperation("find_by_subscription_ref", time.Since(start), err)
	return p, normalizeStoreErr(err)
}

func (e *engine) writeEntitlement(ctx context.Context, ref PrincipalRef, w EntitlementWrite) (*Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	p, err := e.store.WriteEntitlement(ctx, ref, w)
	e.config.Metrics.RecordStorageOperation("write_entitlement", time.Since(start), err)
	return p, normalizeStoreErr(err)
}

func (e *engine) upsertRecord(ctx context.Context, orgID string, fields SubscriptionRecordFields) (*SubscriptionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	rec, err := e.store.UpsertSubscriptionRecord(ctx, orgID, fields)
	e.config.Metrics.RecordStorageOperation("upsert_subscription_record", time.Since(start), err)
	return rec, normalizeStoreErr(err)
}

func (e *engine) listRecords(ctx context.Context, orgID string) ([]SubscriptionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	recs, err := e.store.ListSubscriptionRecords(ctx, orgID)
	e.config.Metrics.RecordStorageOperation("list_subscription_records", time.Since(start), err)
	return recs, normalizeStoreErr(err)
}

func (e *engine) listPaymentIssues(ctx context.Context, since time.Time, limit int) ([]Principal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	start := time.Now()
	ps, err := e.store.ListPaymentIssues(ctx, since, limit)
	e.config.Metrics.RecordStorageOperation("list_payment_issues", time.Since(start), err)
	return ps, normalizeStoreErr(err)
}

// mutation computes the next state of a loaded principal. Returning ok=false
// leaves the principal untouched and reports outcome.
type mutation func(p *Principal) (w EntitlementWrite, outcome EventOutcome, ok bool)

// mutate applies fn under optimistic concurrency: the principal is reloaded and
// fn re-evaluated after every version conflict, up to MaxWriteAttempts.
// It returns the stored principal (before and after) and the outcome.
func (e *engine) mutate(ctx context.Context, ref PrincipalRef, fn mutation) (before, after *Principal, outcome EventOutcome, err error) {
	for attempt := 0; attempt < e.config.MaxWriteAttempts; attempt++ {
		p, err := e.getPrincipal(ctx, ref)
		if err != nil {
			return nil, nil, "", err
		}

		w, skipped, ok := fn(p.Clone())
		if !ok {
			return p, p, skipped, nil
		}

		changed := !w.Entitlement.equalState(p.Entitlement) ||
			(w.OrgStatus != "" && p.Org != nil && w.OrgStatus != p.Org.Status)
		bookkeeping := !w.Entitlement.LastEventAt.Equal(p.Entitlement.LastEventAt) ||
			!timePtrEqual(w.Entitlement.LastSyncedAt, p.Entitlement.LastSyncedAt)
		if !changed && !bookkeeping {
			return p, p, EventUnchanged, nil
		}

		w.ExpectedVersion = p.Version
		updated, err := e.writeEntitlement(ctx, ref, w)
		if errors.Is(err, ErrVersionConflict) {
			e.config.Logger.Debug("entitlement write conflict, retrying",
				withFields(principalFields(ref), Field{"attempt", attempt + 1})...)
			continue
		}
		if err != nil {
			return p, nil, "", err
		}
		if !changed {
			return p, updated, EventUnchanged, nil
		}
		return p, updated, EventApplied, nil
	}
	return nil, nil, "", fmt.Errorf("write entitlement for %s: %w", ref, ErrVersionConflict)
}

// transition reports and dispatches a stored change. It returns nil when the
// authorization-relevant state did not change.
func (e *engine) transition(before, after *Principal, source, eventID string) *Transition {
	if before == nil || after == nil || before.Entitlement.equalState(after.Entitlement) {
		return nil
	}
	t := Transition{
		Principal: after.Ref(),
		Before:    before.Entitlement.Clone(),
		After:     after.Entitlement.Clone(),
		Source:    source,
		EventID:   eventID,
		At:        e.now(),
	}
	if t.Granted() || t.Revoked() {
		e.config.Metrics.RecordEntitlementChange(after.Kind, t.Granted(), source)
	}
	if t.Revoked() {
		e.config.Logger.Info("entitlement revoked", withFields(principalFields(t.Principal),
			Field{"source", source},
			Field{"subscription_ref", t.Before.BillingSubscriptionRef},
			Field{"provider_status", t.After.ProviderStatus})...)
	}
	e.notifier.notify(t)
	return &t
}

// syncRecord mirrors an organization's entitlement into its subscription
// records. Failures are logged; the principal remains authoritative.
func (e *engine) syncRecord(ctx context.Context, p *Principal, status RecordStatus, subscriptionRef string) {
	if p == nil || p.Kind != KindOrganization || p.Org == nil || subscriptionRef == "" {
		return
	}
	now := e.now()
	fields := SubscriptionRecordFields{
		OwnerPrincipalID:       p.Org.OwnerPrincipalID,
		BillingSubscriptionRef: subscriptionRef,
		Status:                 status,
		StartDate:              now,
		Now:                    now,
	}
	if status == RecordCancelled {
		fields.EndDate = &now
	}
	if _, err := e.upsertRecord(ctx, p.ID, fields); err != nil {
		e.config.Logger.Error("failed to update subscription record", withFields(principalFields(p.Ref()),
			Field{"subscription_ref", subscriptionRef},
			Field{"record_status", string(status)},
			Field{"error", err.Error()})...)
	}
}

// normalizeStoreErr wraps backend failures with ErrStoreUnavailable while
// keeping domain sentinels intact.
func normalizeStoreErr(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrPrincipalNotFound),
		errors.Is(err, ErrPrincipalExists),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalidPrincipalID),
		errors.Is(err, ErrInvalidPrincipalKind):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// providerCtx bounds a single billing provider call.
func (e *engine) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.ProviderTimeout)
}

// normalizeProviderErr keeps ErrSubscriptionNotFound and maps everything else,
// including timeouts, to ErrBillingProviderUnavailable.
func normalizeProviderErr(err error) error {
	switch {
	case err == nil,
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCustomerNotFound),
		errors.Is(err, ErrBillingProviderUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrBillingProviderUnavailable, err)
	}
}
