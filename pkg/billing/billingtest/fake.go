// Package billingtest provides an in-memory billing.Client for tests.
package billingtest

import (
	"context"
	"sort"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Fake is an in-memory billing provider. It implements billing.Client and
// billing.SessionCreator. The zero value is not usable; call New.
type Fake struct {
	mu        sync.Mutex
	subs      map[string]billing.Subscription
	invoices  map[string][]billing.Invoice
	err       error
	checkouts []billing.CheckoutRequest
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		subs:     make(map[string]billing.Subscription),
		invoices: make(map[string][]billing.Invoice),
	}
}

// Put stores or replaces a subscription.
func (f *Fake) Put(sub billing.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
}

// AddInvoice appends an invoice for customerRef.
func (f *Fake) AddInvoice(customerRef string, inv billing.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[customerRef] = append(f.invoices[customerRef], inv)
}

// SetError makes every provider call fail with err until cleared with nil.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Checkouts returns the checkout requests received so far.
func (f *Fake) Checkouts() []billing.CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.CheckoutRequest(nil), f.checkouts...)
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) RetrieveSubscription(_ context.Context, ref string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[ref]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (f *Fake) UpdateSubscription(_ context.Context, ref string, u billing.SubscriptionUpdate) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[ref]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	if u.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	f.subs[ref] = sub
	return &sub, nil
}

func (f *Fake) ListSubscriptions(_ context.Context, customerRef string, filter billing.SubscriptionFilter) ([]billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []billing.Subscription
	for _, s := range f.subs {
		if s.CustomerRef != customerRef {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (f *Fake) ListInvoices(_ context.Context, customerRef string, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := append([]billing.Invoice(nil), f.invoices[customerRef]...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *Fake) VerifyAndParseEvent([]byte, string, string) (*billing.Event, error) {
	return nil, billing.ErrNotSupported
}

func (f *Fake) CheckoutURL(_ context.Context, req billing.CheckoutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.checkouts = append(f.checkouts, req)
	return "https://checkout.test/" + req.PrincipalKind + "/" + req.PrincipalID, nil
}

func (f *Fake) PortalURL(_ context.Context, customerRef, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "https://portal.test/" + customerRef, nil
}

var (
	_ billing.Client         = (*Fake)(nil)
	_ billing.SessionCreator = (*Fake)(nil)
)
