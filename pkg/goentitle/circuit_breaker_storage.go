package goentitle

import (
	"context"
	"time"
)

// CircuitBreakerStore wraps a Store implementation with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) GetPrincipal(ctx context.Context, ref PrincipalRef) (*Principal, error) {
	var p *Principal
	err := s.cb.Execute(ctx, func() error {
		var e error
		p, e = s.store.GetPrincipal(ctx, ref)
		return e
	})
	return p, err
}

func (s *CircuitBreakerStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	return s.cb.Execute(ctx, func() error {
		return s.store.CreatePrincipal(ctx, p)
	})
}

func (s *CircuitBreakerStore) WriteEntitlement(ctx context.Context, ref PrincipalRef,
	w EntitlementWrite) (*Principal, error) {
	var p *Principal
	err := s.cb.Execute(ctx, func() error {
		var e error
		p, e = s.store.WriteEntitlement(ctx, ref, w)
		return e
	})
	return p, err
}

func (s *CircuitBreakerStore) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*Principal, error) {
	var p *Principal
	err := s.cb.Execute(ctx, func() error {
		var e error
		p, e = s.store.FindBySubscriptionRef(ctx, subscriptionRef)
		return e
	})
	return p, err
}

func (s *CircuitBreakerStore) UpsertSubscriptionRecord(ctx context.Context, organizationID string,
	fields SubscriptionRecordFields) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.UpsertSubscriptionRecord(ctx, organizationID, fields)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStore) ListSubscriptionRecords(ctx context.Context,
	organizationID string) ([]SubscriptionRecord, error) {
	var recs []SubscriptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		recs, e = s.store.ListSubscriptionRecords(ctx, organizationID)
		return e
	})
	return recs, err
}

func (s *CircuitBreakerStore) ListPaymentIssues(ctx context.Context, since time.Time,
	limit int) ([]Principal, error) {
	var out []Principal
	err := s.cb.Execute(ctx, func() error {
		var e error
		out, e = s.store.ListPaymentIssues(ctx, since, limit)
		return e
	})
	return out, err
}
