package goentitle_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// fakeClient is an in-memory billing provider.
type fakeClient struct {
	mu            sync.Mutex
	subs          map[string]billing.Subscription
	invoices      []billing.Invoice
	retrieveErr   error
	listErr       error
	updateErr     error
	block         chan struct{}
	retrieveCalls int
	checkoutReqs  []billing.CheckoutRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]billing.Subscription)}
}

func (c *fakeClient) put(sub billing.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.ID] = sub
}

func (c *fakeClient) setRetrieveErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrieveErr = err
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrieveCalls
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) RetrieveSubscription(ctx context.Context, ref string) (*billing.Subscription, error) {
	c.mu.Lock()
	c.retrieveCalls++
	err := c.retrieveErr
	block := c.block
	sub, ok := c.subs[ref]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (c *fakeClient) UpdateSubscription(_ context.Context, ref string, u billing.SubscriptionUpdate) (*billing.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	sub, ok := c.subs[ref]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	if u.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	c.subs[ref] = sub
	return &sub, nil
}

func (c *fakeClient) ListSubscriptions(_ context.Context, customerRef string, f billing.SubscriptionFilter) ([]billing.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []billing.Subscription
	for _, s := range c.subs {
		if s.CustomerRef == customerRef && (f.Status == "" || s.Status == f.Status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeClient) ListInvoices(_ context.Context, customerRef string, _ billing.InvoiceFilter) ([]billing.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]billing.Invoice(nil), c.invoices...), nil
}

func (c *fakeClient) VerifyAndParseEvent([]byte, string, string) (*billing.Event, error) {
	return nil, billing.ErrNotSupported
}

// fakeSessionClient adds hosted checkout and portal support.
type fakeSessionClient struct {
	*fakeClient
}

func (c fakeSessionClient) CheckoutURL(_ context.Context, req billing.CheckoutRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkoutReqs = append(c.checkoutReqs, req)
	return "https://checkout.example/" + req.PrincipalID, nil
}

func (c fakeSessionClient) PortalURL(_ context.Context, customerRef, _ string) (string, error) {
	return "https://portal.example/" + customerRef, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	goentitle.NoopMetrics
	mu          sync.Mutex
	divergences int
	decisions   []goentitle.DenyCode
}

func (m *recordingMetrics) RecordStateDivergence(goentitle.PrincipalKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divergences++
}

func (m *recordingMetrics) RecordGateDecision(_ goentitle.PrincipalKind, _ bool, code goentitle.DenyCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, code)
}

type harness struct {
	t       *testing.T
	store   *memory.Storage
	client  *fakeClient
	clock   *testClock
	metrics *recordingMetrics
	mgr     *goentitle.Manager
}

func newHarness(t *testing.T, configure ...func(*goentitle.Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   memory.New(),
		client:  newFakeClient(),
		clock:   &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: &recordingMetrics{},
	}
	cfg := &goentitle.Config{
		Now:             h.clock.Now,
		Metrics:         h.metrics,
		ProviderTimeout: time.Second,
	}
	for _, fn := range configure {
		fn(cfg)
	}
	mgr, err := goentitle.NewManager(h.store, fakeSessionClient{h.client}, cfg)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	h.mgr = mgr
	return h
}

func (h *harness) individual(id string) goentitle.PrincipalRef {
	h.t.Helper()
	_, err := h.mgr.RegisterPrincipal(context.Background(), goentitle.NewIndividual(id, ""))
	require.NoError(h.t, err)
	return goentitle.Individual(id)
}

func (h *harness) organization(id, owner string) goentitle.PrincipalRef {
	h.t.Helper()
	_, err := h.mgr.RegisterPrincipal(context.Background(), goentitle.NewOrganization(id, owner, ""))
	require.NoError(h.t, err)
	return goentitle.Organization(id)
}

func (h *harness) get(ref goentitle.PrincipalRef) *goentitle.Principal {
	h.t.Helper()
	p, err := h.mgr.GetPrincipal(context.Background(), ref)
	require.NoError(h.t, err)
	return p
}

func (h *harness) process(ev billing.Event) goentitle.EventResult {
	h.t.Helper()
	res, err := h.mgr.Process(context.Background(), ev)
	require.NoError(h.t, err)
	return res
}

// checkout links ref to subscription subID through a checkout event.
func (h *harness) checkout(ref goentitle.PrincipalRef, subID, customer string) {
	h.t.Helper()
	h.client.put(billing.Subscription{ID: subID, CustomerRef: customer, Status: billing.StatusActive})
	h.process(billing.Event{
		ID:              "evt_checkout_" + subID,
		Type:            billing.EventCheckoutCompleted,
		CreatedAt:       h.clock.Now(),
		CustomerRef:     customer,
		SubscriptionRef: subID,
		PrincipalKind:   string(ref.Kind),
		PrincipalID:     ref.ID,
	})
}

func ptrTime(t time.Time) *time.Time { return &t }

// flakyStore is a memory store whose reads or writes can be made to fail.
type flakyStore struct {
	*memory.Storage
	mu         sync.Mutex
	failing    bool
	failWrites bool
}

var errConnReset = errors.New("read tcp 10.0.0.2:5432: connection reset by peer")

func newFlakyStore() *flakyStore {
	return &flakyStore{Storage: memory.New()}
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) setFailWrites(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = v
}

func (s *flakyStore) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errConnReset
	}
	return nil
}

func (s *flakyStore) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	return s.Storage.GetPrincipal(ctx, ref)
}

func (s *flakyStore) FindBySubscriptionRef(ctx context.Context, ref string) (*goentitle.Principal, error) {
	if err := s.readErr(); err != nil {
		return nil, err
	}
	return s.Storage.FindBySubscriptionRef(ctx, ref)
}

func (s *flakyStore) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	s.mu.Lock()
	fail := s.failing || s.failWrites
	s.mu.Unlock()
	if fail {
		return nil, errConnReset
	}
	return s.Storage.WriteEntitlement(ctx, ref, w)
}
