package goentitle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func TestNewManager_Validation(t *testing.T) {
	_, err := goentitle.NewManager(memory.New(), nil, nil)
	assert.ErrorIs(t, err, goentitle.ErrInvalidConfig)

	_, err = goentitle.NewManager(nil, newFakeClient(), nil)
	assert.ErrorIs(t, err, goentitle.ErrInvalidConfig)

	_, err = goentitle.NewManager(memory.New(), newFakeClient(), &goentitle.Config{GracePeriod: -time.Hour})
	assert.ErrorIs(t, err, goentitle.ErrInvalidConfig)

	_, err = goentitle.NewManager(memory.New(), newFakeClient(), &goentitle.Config{
		PaidPlanTiers: map[goentitle.PrincipalKind]string{"team": "x"},
	})
	assert.ErrorIs(t, err, goentitle.ErrInvalidConfig)
}

func TestRegisterPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.mgr.RegisterPrincipal(ctx, goentitle.NewOrganization("org1", "owner1", ""))
	require.NoError(t, err)
	assert.Equal(t, "free", p.Entitlement.PlanTier)
	assert.False(t, p.Entitlement.IsEntitled)
	assert.Equal(t, goentitle.OrgStatusPending, p.Org.Status)
	assert.Equal(t, int64(1), p.Version)

	_, err = h.mgr.RegisterPrincipal(ctx, goentitle.NewOrganization("org1", "owner1", ""))
	assert.ErrorIs(t, err, goentitle.ErrPrincipalExists)

	_, err = h.mgr.RegisterPrincipal(ctx, &goentitle.Principal{Kind: goentitle.KindOrganization, ID: "org2"})
	assert.ErrorIs(t, err, goentitle.ErrInvalidPrincipalID, "organizations need an owner")
}

func TestCancelAndResume(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	h.checkout(ref, "sub_1", "cus_1")
	periodEnd := h.clock.Now().Add(15 * 24 * time.Hour)
	h.client.put(billing.Subscription{ID: "sub_1", CustomerRef: "cus_1", Status: billing.StatusActive,
		CurrentPeriodEnd: ptrTime(periodEnd)})

	res, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.IsEntitled, "cancellation is scheduled, not immediate")
	assert.True(t, res.CancelScheduled)
	assert.True(t, res.EntitlementEndsAt.Equal(periodEnd))
	assert.True(t, h.client.subs["sub_1"].CancelAtPeriodEnd)

	res, err = h.mgr.ResumeSubscription(context.Background(), goentitle.Actor{Principal: ref, UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.CancelScheduled)
	assert.Nil(t, res.EntitlementEndsAt)
}

func TestCancel_OwnerGated(t *testing.T) {
	h := newHarness(t)
	ref := h.organization("org1", "owner1")
	h.checkout(ref, "sub_o", "cus_o")

	_, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "member1"})
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager)
	assert.False(t, h.client.subs["sub_o"].CancelAtPeriodEnd)

	_, err = h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref})
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager, "organizations require an explicit owner")

	_, err = h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "owner1"})
	require.NoError(t, err)
	assert.True(t, h.client.subs["sub_o"].CancelAtPeriodEnd)
}

func TestCancel_IndividualCannotCancelSomeoneElse(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	h.checkout(ref, "sub_1", "cus_1")

	_, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "u2"})
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager)
}

func TestCancel_NoSubscription(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")

	_, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "u1"})
	assert.ErrorIs(t, err, goentitle.ErrNoSubscription)
}

func TestCancel_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	h.checkout(ref, "sub_1", "cus_1")
	h.client.updateErr = errors.New("stripe: 500")

	_, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref, UserID: "u1"})
	assert.ErrorIs(t, err, goentitle.ErrBillingProviderUnavailable)
	assert.False(t, h.get(ref).Entitlement.CancelScheduled)
}

func TestPaymentHistory(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	ctx := context.Background()

	invoices, err := h.mgr.PaymentHistory(ctx, goentitle.Actor{Principal: ref, UserID: "u1"}, 10)
	require.NoError(t, err)
	assert.Empty(t, invoices, "no customer yet")

	h.checkout(ref, "sub_1", "cus_1")
	h.client.invoices = []billing.Invoice{{ID: "in_1", Status: "paid", AmountPaid: 1200, Currency: "usd"}}
	invoices, err = h.mgr.PaymentHistory(ctx, goentitle.Actor{Principal: ref, UserID: "u1"}, 10)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "in_1", invoices[0].ID)
}

func TestSubscriptionRecords(t *testing.T) {
	h := newHarness(t)
	org := h.organization("org1", "owner1")
	ctx := context.Background()
	h.checkout(org, "sub_1", "cus_o")
	h.process(billing.Event{ID: "evt_del", Type: billing.EventSubscriptionDeleted, CreatedAt: h.clock.Now().Add(time.Minute),
		SubscriptionRef: "sub_1"})
	h.clock.Advance(time.Hour)
	h.checkout(org, "sub_2", "cus_o")

	recs, err := h.mgr.SubscriptionRecords(ctx, goentitle.Actor{Principal: org, UserID: "owner1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "sub_2", recs[0].BillingSubscriptionRef)
	assert.Equal(t, goentitle.RecordActive, recs[0].Status)
	assert.Equal(t, goentitle.RecordCancelled, recs[1].Status)

	_, err = h.mgr.SubscriptionRecords(ctx, goentitle.Actor{Principal: org, UserID: "member"})
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager)

	ind := h.individual("u1")
	_, err = h.mgr.SubscriptionRecords(ctx, goentitle.Actor{Principal: ind, UserID: "u1"})
	assert.ErrorIs(t, err, goentitle.ErrInvalidPrincipalKind)
}

func TestCheckoutURL(t *testing.T) {
	h := newHarness(t)
	org := h.organization("org1", "owner1")
	ctx := context.Background()

	url, err := h.mgr.CheckoutURL(ctx, goentitle.Actor{Principal: org, UserID: "owner1"}, " business ", "https://app/ok", "https://app/cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/org1", url)
	require.Len(t, h.client.checkoutReqs, 1)
	req := h.client.checkoutReqs[0]
	assert.Equal(t, "organization", req.PrincipalKind)
	assert.Equal(t, "org1", req.PrincipalID)
	assert.Equal(t, "business", req.PlanTier)

	_, err = h.mgr.CheckoutURL(ctx, goentitle.Actor{Principal: org, UserID: "member"}, "business", "", "")
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager)

	h.checkout(org, "sub_o", "cus_o")
	_, err = h.mgr.CheckoutURL(ctx, goentitle.Actor{Principal: org, UserID: "owner1"}, "business", "", "")
	assert.ErrorIs(t, err, goentitle.ErrAlreadySubscribed)
}

func TestPortalURL(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	ctx := context.Background()

	_, err := h.mgr.PortalURL(ctx, goentitle.Actor{Principal: ref, UserID: "u1"}, "https://app")
	assert.ErrorIs(t, err, goentitle.ErrNoSubscription)

	h.checkout(ref, "sub_1", "cus_1")
	url, err := h.mgr.PortalURL(ctx, goentitle.Actor{Principal: ref, UserID: "u1"}, "https://app")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/cus_1", url)
}

func TestSessionsRequireSessionCreator(t *testing.T) {
	mgr, err := goentitle.NewManager(memory.New(), newFakeClient(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = mgr.RegisterPrincipal(ctx, goentitle.NewIndividual("u1", ""))
	require.NoError(t, err)

	_, err = mgr.CheckoutURL(ctx, goentitle.Actor{Principal: goentitle.Individual("u1")}, "pro", "", "")
	assert.ErrorIs(t, err, billing.ErrNotSupported)
	_, err = mgr.PortalURL(ctx, goentitle.Actor{Principal: goentitle.Individual("u1")}, "")
	assert.ErrorIs(t, err, billing.ErrNotSupported)
}

func TestCircuitBreakerConfigured(t *testing.T) {
	store := newFlakyStore()
	mgr, err := goentitle.NewManager(store, newFakeClient(), &goentitle.Config{
		CircuitBreakerConfig: &goentitle.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Minute},
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = mgr.RegisterPrincipal(ctx, goentitle.NewIndividual("u1", ""))
	require.NoError(t, err)

	store.setFailing(true)
	for i := 0; i < 2; i++ {
		_, err = mgr.GetPrincipal(ctx, goentitle.Individual("u1"))
		assert.ErrorIs(t, err, goentitle.ErrStoreUnavailable)
	}

	store.setFailing(false)
	_, err = mgr.GetPrincipal(ctx, goentitle.Individual("u1"))
	assert.ErrorIs(t, err, goentitle.ErrCircuitOpen, "open circuit rejects without calling the store")
}

func TestCancel_RequiresActingUser(t *testing.T) {
	h := newHarness(t)
	ref := h.individual("u1")
	h.checkout(ref, "sub_1", "cus_1")
	h.client.put(billing.Subscription{ID: "sub_1", CustomerRef: "cus_1", Status: billing.StatusActive,
		CurrentPeriodEnd: ptrTime(h.clock.Now().Add(30 * 24 * time.Hour))})

	_, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.Actor{Principal: ref})
	assert.ErrorIs(t, err, goentitle.ErrNotSubscriptionManager)
	assert.False(t, h.client.subs["sub_1"].CancelAtPeriodEnd)

	res, err := h.mgr.CancelAtPeriodEnd(context.Background(), goentitle.IndividualActor("u1"))
	require.NoError(t, err)
	assert.True(t, res.CancelScheduled)
}
