package goentitle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore answers every call with err, or with an empty principal.
type stubStore struct {
	err   error
	calls int
}

func (s *stubStore) result() error {
	s.calls++
	return s.err
}

func (s *stubStore) GetPrincipal(_ context.Context, ref PrincipalRef) (*Principal, error) {
	if err := s.result(); err != nil {
		return nil, err
	}
	return &Principal{Kind: ref.Kind, ID: ref.ID, Version: 1}, nil
}

func (s *stubStore) CreatePrincipal(context.Context, *Principal) error { return s.result() }

func (s *stubStore) WriteEntitlement(_ context.Context, ref PrincipalRef, w EntitlementWrite) (*Principal, error) {
	if err := s.result(); err != nil {
		return nil, err
	}
	return &Principal{Kind: ref.Kind, ID: ref.ID, Entitlement: w.Entitlement, Version: w.ExpectedVersion + 1}, nil
}

func (s *stubStore) FindBySubscriptionRef(context.Context, string) (*Principal, error) {
	if err := s.result(); err != nil {
		return nil, err
	}
	return nil, ErrPrincipalNotFound
}

func (s *stubStore) UpsertSubscriptionRecord(_ context.Context, orgID string, f SubscriptionRecordFields) (*SubscriptionRecord, error) {
	if err := s.result(); err != nil {
		return nil, err
	}
	rec := BuildRecord(orgID, f, "rec_1")
	return &rec, nil
}

func (s *stubStore) ListSubscriptionRecords(context.Context, string) ([]SubscriptionRecord, error) {
	return nil, s.result()
}

func (s *stubStore) ListPaymentIssues(context.Context, time.Time, int) ([]Principal, error) {
	return nil, s.result()
}

func TestCircuitBreakerStore_ClosedCircuitPassesThrough(t *testing.T) {
	inner := &stubStore{}
	store := NewCircuitBreakerStore(inner, NewDefaultCircuitBreaker(2, time.Minute, nil))
	ctx := context.Background()

	p, err := store.GetPrincipal(ctx, Individual("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)

	updated, err := store.WriteEntitlement(ctx, Individual("u1"),
		EntitlementWrite{Entitlement: Entitlement{IsEntitled: true}, ExpectedVersion: 1})
	require.NoError(t, err)
	assert.True(t, updated.Entitlement.IsEntitled)
	assert.Equal(t, int64(2), updated.Version)

	rec, err := store.UpsertSubscriptionRecord(ctx, "org1", SubscriptionRecordFields{
		OwnerPrincipalID: "u1", BillingSubscriptionRef: "sub_1", Status: RecordActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "org1", rec.OrganizationID)
	assert.Equal(t, 3, inner.calls)
}

func TestCircuitBreakerStore_OpenCircuitSkipsBackend(t *testing.T) {
	inner := &stubStore{err: errors.New("connection refused")}
	cb := NewDefaultCircuitBreaker(2, time.Minute, nil)
	store := NewCircuitBreakerStore(inner, cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.GetPrincipal(ctx, Individual("u1"))
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := inner.calls
	_, err := store.FindBySubscriptionRef(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = store.ListPaymentIssues(ctx, time.Now(), 10)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	err = store.CreatePrincipal(ctx, NewIndividual("u2", "free"))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, inner.calls, "backend must not be called while open")
}

func TestCircuitBreakerStore_NotFoundKeepsCircuitClosed(t *testing.T) {
	inner := &stubStore{err: ErrPrincipalNotFound}
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	store := NewCircuitBreakerStore(inner, cb)

	for i := 0; i < 5; i++ {
		_, err := store.GetPrincipal(context.Background(), Organization("o1"))
		assert.ErrorIs(t, err, ErrPrincipalNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerStore_StateTransitions(t *testing.T) {
	inner := &stubStore{err: errors.New("timeout")}
	clock := newManualClock()
	var states []CircuitBreakerState
	cb := newTestBreaker(1, time.Second, clock, func(s CircuitBreakerState) { states = append(states, s) })
	store := NewCircuitBreakerStore(inner, cb)
	ctx := context.Background()

	_, _ = store.ListSubscriptionRecords(ctx, "org1")
	clock.Advance(time.Second)
	inner.err = nil
	_, err := store.ListSubscriptionRecords(ctx, "org1")
	require.NoError(t, err)

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}
