package goentitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Manager wires the Reconciler, Processor and Gate over one store and billing
// client, and adds the owner-gated subscription operations.
type Manager struct {
	*engine
	reconciler *Reconciler
	processor  *Processor
	gate       *Gate
}

// NewManager creates a Manager. config may be nil for defaults.
func NewManager(store Store, client billing.Client, config *Config) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: billing client is required", ErrInvalidConfig)
	}
	e, err := newEngine(store, client, config)
	if err != nil {
		return nil, err
	}
	return &Manager{
		engine:     e,
		reconciler: &Reconciler{engine: e},
		processor:  &Processor{engine: e},
		gate:       &Gate{engine: e},
	}, nil
}

// Reconciler returns the pull path.
func (m *Manager) Reconciler() *Reconciler { return m.reconciler }

// Processor returns the push path.
func (m *Manager) Processor() *Processor { return m.processor }

// Gate returns the authorization gate.
func (m *Manager) Gate() *Gate { return m.gate }

// Client returns the billing client.
func (m *Manager) Client() billing.Client { return m.client }

// Reconcile is shorthand for Reconciler().Reconcile.
func (m *Manager) Reconcile(ctx context.Context, ref PrincipalRef) (ReconciliationResult, error) {
	return m.reconciler.Reconcile(ctx, ref)
}

// Process is shorthand for Processor().Process.
func (m *Manager) Process(ctx context.Context, ev billing.Event) (EventResult, error) {
	return m.processor.Process(ctx, ev)
}

// CheckAccess is shorthand for Gate().CheckAccess.
func (m *Manager) CheckAccess(ctx context.Context, actor Actor) Decision {
	return m.gate.CheckAccess(ctx, actor)
}

// NewGraceEnforcer returns an enforcer sweeping on interval.
func (m *Manager) NewGraceEnforcer(interval time.Duration) *GraceEnforcer {
	return NewGraceEnforcer(m.reconciler, interval)
}

// RegisterPrincipal creates an unentitled principal on the default tier.
func (m *Manager) RegisterPrincipal(ctx context.Context, p *Principal) (*Principal, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.Clone()
	if p.Entitlement.PlanTier == "" {
		p.Entitlement.PlanTier = m.config.DefaultPlanTier
	}
	if p.Kind == KindOrganization && p.Org.Status == "" {
		p.Org.Status = OrgStatusPending
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now

	ctx, cancel := context.WithTimeout(ctx, m.config.StoreTimeout)
	defer cancel()
	if err := m.store.CreatePrincipal(ctx, p); err != nil {
		return nil, normalizeStoreErr(err)
	}
	m.config.Logger.Info("principal registered", principalFields(p.Ref())...)
	return m.getPrincipal(ctx, p.Ref())
}

// GetPrincipal returns the stored principal.
func (m *Manager) GetPrincipal(ctx context.Context, ref PrincipalRef) (*Principal, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return m.getPrincipal(ctx, ref)
}

// CancelAtPeriodEnd schedules cancellation of the principal's subscription.
// Only the individual or the organization owner may do this.
func (m *Manager) CancelAtPeriodEnd(ctx context.Context, actor Actor) (ReconciliationResult, error) {
	return m.setCancelAtPeriodEnd(ctx, actor, true)
}

// ResumeSubscription withdraws a scheduled cancellation.
func (m *Manager) ResumeSubscription(ctx context.Context, actor Actor) (ReconciliationResult, error) {
	return m.setCancelAtPeriodEnd(ctx, actor, false)
}

func (m *Manager) setCancelAtPeriodEnd(ctx context.Context, actor Actor, cancelAtEnd bool) (ReconciliationResult, error) {
	p, err := m.managedPrincipal(ctx, actor)
	if err != nil {
		return ReconciliationResult{}, err
	}
	subRef := p.Entitlement.BillingSubscriptionRef
	if subRef == "" {
		return ReconciliationResult{}, ErrNoSubscription
	}

	pctx, cancel := m.providerCtx(ctx)
	sub, err := m.client.UpdateSubscription(pctx, subRef, billing.SubscriptionUpdate{CancelAtPeriodEnd: &cancelAtEnd})
	cancel()
	if err != nil {
		err = normalizeProviderErr(err)
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return ReconciliationResult{}, fmt.Errorf("%w: %v", ErrNoSubscription, err)
		}
		return ReconciliationResult{}, fmt.Errorf("update subscription %s: %w", subRef, err)
	}

	source := "resume"
	if cancelAtEnd {
		source = "cancel"
	}
	m.config.Logger.Info("subscription cancellation updated", withFields(principalFields(p.Ref()),
		Field{"subscription_ref", subRef},
		Field{"cancel_at_period_end", cancelAtEnd},
		Field{"user_id", actor.UserID})...)

	// The provider already changed; a lost write here is repaired by the
	// webhook that follows or the next reconcile.
	for attempt := 0; attempt < m.config.MaxWriteAttempts; attempt++ {
		res, err := m.reconciler.applySnapshot(ctx, p, sub, false, source)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
		if p, err = m.getPrincipal(ctx, p.Ref()); err != nil {
			break
		}
	}
	return staleResult(p, ErrStoreUnavailable), nil
}

// PaymentHistory lists the principal's invoices at the provider.
func (m *Manager) PaymentHistory(ctx context.Context, actor Actor, limit int) ([]billing.Invoice, error) {
	p, err := m.managedPrincipal(ctx, actor)
	if err != nil {
		return nil, err
	}
	if p.Entitlement.BillingCustomerRef == "" {
		return []billing.Invoice{}, nil
	}
	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	invoices, err := m.client.ListInvoices(pctx, p.Entitlement.BillingCustomerRef, billing.InvoiceFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", normalizeProviderErr(err))
	}
	return invoices, nil
}

// SubscriptionRecords returns an organization's subscription history.
func (m *Manager) SubscriptionRecords(ctx context.Context, actor Actor) ([]SubscriptionRecord, error) {
	if actor.Principal.Kind != KindOrganization {
		return nil, fmt.Errorf("%w: subscription records exist for organizations only", ErrInvalidPrincipalKind)
	}
	p, err := m.managedPrincipal(ctx, actor)
	if err != nil {
		return nil, err
	}
	return m.listRecords(ctx, p.ID)
}

// CheckoutURL starts a hosted checkout for the principal. The provider must
// implement billing.SessionCreator.
func (m *Manager) CheckoutURL(ctx context.Context, actor Actor, planTier, successURL, cancelURL string) (string, error) {
	sessions, ok := m.client.(billing.SessionCreator)
	if !ok {
		return "", billing.ErrNotSupported
	}
	p, err := m.managedPrincipal(ctx, actor)
	if err != nil {
		return "", err
	}
	if p.Entitlement.IsEntitled && p.Entitlement.BillingSubscriptionRef != "" {
		return "", fmt.Errorf("%w: %s already has subscription %s",
			ErrAlreadySubscribed, p.Ref(), p.Entitlement.BillingSubscriptionRef)
	}

	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	url, err := sessions.CheckoutURL(pctx, billing.CheckoutRequest{
		PrincipalKind: string(p.Kind),
		PrincipalID:   p.ID,
		CustomerRef:   p.Entitlement.BillingCustomerRef,
		PlanTier:      strings.TrimSpace(planTier),
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
	})
	if err != nil {
		if errors.Is(err, billing.ErrTierNotConfigured) {
			return "", err
		}
		return "", fmt.Errorf("create checkout: %w", normalizeProviderErr(err))
	}
	return url, nil
}

// PortalURL opens the provider's billing portal for the principal's customer.
func (m *Manager) PortalURL(ctx context.Context, actor Actor, returnURL string) (string, error) {
	sessions, ok := m.client.(billing.SessionCreator)
	if !ok {
		return "", billing.ErrNotSupported
	}
	p, err := m.managedPrincipal(ctx, actor)
	if err != nil {
		return "", err
	}
	if p.Entitlement.BillingCustomerRef == "" {
		return "", ErrNoSubscription
	}
	pctx, cancel := m.providerCtx(ctx)
	defer cancel()
	url, err := sessions.PortalURL(pctx, p.Entitlement.BillingCustomerRef, returnURL)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", normalizeProviderErr(err))
	}
	return url, nil
}

// Close waits for pending transition notifications.
func (m *Manager) Close() {
	m.notifier.wait()
}

// managedPrincipal loads the actor's principal and checks the actor may manage
// its billing.
func (m *Manager) managedPrincipal(ctx context.Context, actor Actor) (*Principal, error) {
	if err := actor.Principal.Validate(); err != nil {
		return nil, err
	}
	p, err := m.getPrincipal(ctx, actor.Principal)
	if err != nil {
		return nil, err
	}
	if !p.CanManageBilling(actor.UserID) {
		return nil, fmt.Errorf("%w: %s", ErrNotSubscriptionManager, p.Ref())
	}
	return p, nil
}
