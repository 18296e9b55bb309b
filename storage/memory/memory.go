// Package memory provides an in-memory implementation of the goentitle.Store interface.
// This implementation is primarily intended for testing, development and as the
// hot tier of a tiered store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/internal/ids"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Store using in-memory maps
type Storage struct {
	mu         sync.RWMutex
	principals map[string]*goentitle.Principal
	bySubRef   map[string]string
	records    map[string][]goentitle.SubscriptionRecord
	now        func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		principals: make(map[string]*goentitle.Principal),
		bySubRef:   make(map[string]string),
		records:    make(map[string][]goentitle.SubscriptionRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// GetPrincipal implements goentitle.Store
func (s *Storage) GetPrincipal(_ context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[ref.String()]
	if !ok {
		return nil, goentitle.ErrPrincipalNotFound
	}
	// Return a copy to prevent external mutations
	return p.Clone(), nil
}

// CreatePrincipal implements goentitle.Store
func (s *Storage) CreatePrincipal(_ context.Context, p *goentitle.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Ref().String()
	if _, ok := s.principals[key]; ok {
		return fmt.Errorf("%w: %s", goentitle.ErrPrincipalExists, key)
	}
	stored := p.Clone()
	stored.Version = 1
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.principals[key] = stored
	s.index(key, "", stored.Entitlement.BillingSubscriptionRef)
	return nil
}

// WriteEntitlement implements goentitle.Store with compare-and-swap on Version
func (s *Storage) WriteEntitlement(_ context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.String()
	cur, ok := s.principals[key]
	if !ok {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if cur.Version != w.ExpectedVersion {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			goentitle.ErrVersionConflict, key, cur.Version, w.ExpectedVersion)
	}

	next := cur.Clone()
	next.Entitlement = w.Entitlement.Clone()
	if w.OrgStatus != "" && next.Org != nil {
		next.Org.Status = w.OrgStatus
	}
	next.Version++
	next.UpdatedAt = s.now()

	s.index(key, cur.Entitlement.BillingSubscriptionRef, next.Entitlement.BillingSubscriptionRef)
	s.principals[key] = next
	return next.Clone(), nil
}

// FindBySubscriptionRef implements goentitle.Store
func (s *Storage) FindBySubscriptionRef(_ context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	if subscriptionRef == "" {
		return nil, goentitle.ErrPrincipalNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.bySubRef[subscriptionRef]
	if !ok {
		return nil, goentitle.ErrPrincipalNotFound
	}
	return s.principals[key].Clone(), nil
}

// UpsertSubscriptionRecord implements goentitle.Store
func (s *Storage) UpsertSubscriptionRecord(_ context.Context, organizationID string,
	fields goentitle.SubscriptionRecordFields) (*goentitle.SubscriptionRecord, error) {
	if organizationID == "" || fields.BillingSubscriptionRef == "" {
		return nil, fmt.Errorf("%w: organization and subscription reference are required", goentitle.ErrInvalidPrincipalID)
	}
	if fields.Now.IsZero() {
		fields.Now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[organizationID]
	activeIdx, existingIdx := -1, -1
	for i := range recs {
		if recs[i].Status == goentitle.RecordActive {
			activeIdx = i
		}
		if recs[i].BillingSubscriptionRef == fields.BillingSubscriptionRef {
			existingIdx = i
		}
	}
	var active, existing *goentitle.SubscriptionRecord
	if activeIdx >= 0 {
		active = &recs[activeIdx]
	}
	if existingIdx >= 0 {
		existing = &recs[existingIdx]
	}

	change := goentitle.NextRecordChange(active, existing, fields)
	var out goentitle.SubscriptionRecord
	switch change.Action {
	case goentitle.RecordActionNone:
		out = *change.Target
	case goentitle.RecordActionUpdate:
		recs[activeIdx] = goentitle.ApplyRecordUpdate(recs[activeIdx], fields)
		out = recs[activeIdx]
	case goentitle.RecordActionClose:
		end := fields.Now
		if fields.EndDate != nil {
			end = *fields.EndDate
		}
		recs[activeIdx] = goentitle.CloseRecord(recs[activeIdx], end, fields.Now)
		out = recs[activeIdx]
	case goentitle.RecordActionSupersede:
		recs[activeIdx] = goentitle.CloseRecord(recs[activeIdx], fields.Now, fields.Now)
		fallthrough
	case goentitle.RecordActionAppend:
		id := fields.ID
		if id == "" {
			id = ids.NewAt(fields.Now)
		}
		out = goentitle.BuildRecord(organizationID, fields, id)
		recs = append(recs, out)
	}
	s.records[organizationID] = recs
	return &out, nil
}

// ListSubscriptionRecords implements goentitle.Store
func (s *Storage) ListSubscriptionRecords(_ context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[organizationID]
	out := make([]goentitle.SubscriptionRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

// ListPaymentIssues implements goentitle.Store
func (s *Storage) ListPaymentIssues(_ context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []goentitle.Principal
	for _, p := range s.principals {
		e := p.Entitlement
		if e.IsEntitled && e.PaymentIssueSince != nil && !e.PaymentIssueSince.After(since) {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Entitlement.PaymentIssueSince.Before(*out[j].Entitlement.PaymentIssueSince)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutPrincipal implements goentitle.PrincipalCache
func (s *Storage) PutPrincipal(_ context.Context, p *goentitle.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Ref().String()
	prevRef := ""
	if cur, ok := s.principals[key]; ok {
		if cur.Version > p.Version {
			return nil
		}
		prevRef = cur.Entitlement.BillingSubscriptionRef
	}
	s.principals[key] = p.Clone()
	s.index(key, prevRef, p.Entitlement.BillingSubscriptionRef)
	return nil
}

// InvalidatePrincipal implements goentitle.PrincipalCache
func (s *Storage) InvalidatePrincipal(_ context.Context, ref goentitle.PrincipalRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ref.String()
	if cur, ok := s.principals[key]; ok {
		s.index(key, cur.Entitlement.BillingSubscriptionRef, "")
		delete(s.principals, key)
	}
	return nil
}

// Clear removes everything. Useful between tests.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principals = make(map[string]*goentitle.Principal)
	s.bySubRef = make(map[string]string)
	s.records = make(map[string][]goentitle.SubscriptionRecord)
}

// index moves the subscription reference lookup for key from prev to next.
// Caller must hold s.mu.
func (s *Storage) index(key, prev, next string) {
	if prev == next {
		if next != "" {
			s.bySubRef[next] = key
		}
		return
	}
	if prev != "" && s.bySubRef[prev] == key {
		delete(s.bySubRef, prev)
	}
	if next != "" {
		s.bySubRef[next] = key
	}
}

var (
	_ goentitle.Store          = (*Storage)(nil)
	_ goentitle.PrincipalCache = (*Storage)(nil)
)
