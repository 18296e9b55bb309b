package stripe

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testPrincipalID         = "user-123"
	testOrgID               = "org-42"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testPriceIDIndividual   = "price_Individual_Monthly"
	testPriceIDBusiness     = "price_Business_Monthly"
	testTierIndividual      = "individual"
	testTierBusiness        = "business"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Config: billing.Config{
			TierMapping: map[string]string{
				testPriceIDIndividual: testTierIndividual,
				testPriceIDBusiness:   testTierBusiness,
			},
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
		TierWeights: map[string]int{
			testTierIndividual: 50,
			testTierBusiness:   100,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

func TestProvider_Name(t *testing.T) {
	provider := newTestProvider(t)
	if provider.Name() != providerName {
		t.Errorf("Name() = %q, want %q", provider.Name(), providerName)
	}
}

func TestProvider_NewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(Config{StripeAPIKey: "   "})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}

func TestProvider_NewProvider_FallsBackToBaseConfig(t *testing.T) {
	provider, err := NewProvider(Config{
		Config: billing.Config{APIKey: testStripeAPIKey, WebhookSecret: testStripeWebhookSecret},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.WebhookSecret() != testStripeWebhookSecret {
		t.Errorf("WebhookSecret() = %q, want %q", provider.WebhookSecret(), testStripeWebhookSecret)
	}
}

func TestProvider_MapPriceToTier(t *testing.T) {
	provider := newTestProvider(t)

	tests := []struct {
		priceID string
		want    string
	}{
		{testPriceIDIndividual, testTierIndividual},
		{"PRICE_BUSINESS_MONTHLY", testTierBusiness},
		{"price_unknown", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := provider.MapPriceToTier(tt.priceID); got != tt.want {
			t.Errorf("MapPriceToTier(%q) = %q, want %q", tt.priceID, got, tt.want)
		}
	}
}

func TestProvider_DefaultTierMapping(t *testing.T) {
	provider, err := NewProvider(Config{
		Config: billing.Config{
			TierMapping: map[string]string{
				testPriceIDBusiness: testTierBusiness,
				"*":                 "legacy",
			},
		},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if got := provider.MapPriceToTier("price_old"); got != "legacy" {
		t.Errorf("MapPriceToTier(unmapped) = %q, want legacy", got)
	}
	if got := provider.GetTierWeight("legacy"); got != 0 {
		t.Errorf("default tier weight = %d, want 0", got)
	}
	if got := provider.getPriceIDForTier("legacy"); got != "" {
		t.Errorf("default key must not be used as a price, got %q", got)
	}
}

func TestProvider_TierWeights_AutoAssignment(t *testing.T) {
	provider, err := NewProvider(Config{
		Config: billing.Config{
			TierMapping: map[string]string{
				"price_a": "alpha",
				"price_b": "beta",
				"price_c": "alpha",
			},
		},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if got := provider.GetTierWeight("alpha"); got != 100 {
		t.Errorf("alpha weight = %d, want 100", got)
	}
	if got := provider.GetTierWeight("beta"); got != 90 {
		t.Errorf("beta weight = %d, want 90", got)
	}
	if got := provider.GetTierWeight("unknown"); got != 0 {
		t.Errorf("unknown weight = %d, want 0", got)
	}
}

func TestProvider_GetPriceIDForTier(t *testing.T) {
	provider, err := NewProvider(Config{
		Config: billing.Config{
			TierMapping: map[string]string{
				"price_Pro_Yearly":  "pro",
				"price_Pro_Monthly": "pro",
				"price_Basic":       "basic",
			},
		},
		StripeAPIKey: testStripeAPIKey,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	if got := provider.getPriceIDForTier("pro"); got != "price_Pro_Monthly" {
		t.Errorf("getPriceIDForTier(pro) = %q, want price_Pro_Monthly", got)
	}
	if got := provider.getPriceIDForTier("enterprise"); got != "" {
		t.Errorf("getPriceIDForTier(enterprise) = %q, want empty", got)
	}
}

func TestProvider_ToSubscription(t *testing.T) {
	provider := newTestProvider(t)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	sub := &stripe.Subscription{
		ID:                testSubscriptionID,
		Customer:          &stripe.Customer{ID: testCustomerID},
		Status:            stripe.SubscriptionStatusPastDue,
		CancelAtPeriodEnd: true,
		Created:           periodStart.Unix(),
		LatestInvoice:     &stripe.Invoice{Status: stripe.InvoiceStatusOpen},
		Metadata:          map[string]string{billing.MetadataPrincipalID: testPrincipalID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Price:              &stripe.Price{ID: testPriceIDIndividual},
					CurrentPeriodStart: periodStart.Unix(),
					CurrentPeriodEnd:   periodEnd.Unix(),
				},
				{Price: &stripe.Price{ID: testPriceIDBusiness}},
			},
		},
	}

	got := provider.toSubscription(sub)

	if got.ID != testSubscriptionID || got.CustomerRef != testCustomerID {
		t.Errorf("ids = %q/%q", got.ID, got.CustomerRef)
	}
	if got.Status != billing.StatusPastDue {
		t.Errorf("Status = %q, want past_due", got.Status)
	}
	if !got.CancelAtPeriodEnd {
		t.Error("CancelAtPeriodEnd should be true")
	}
	if got.CurrentPeriodEnd == nil || !got.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", got.CurrentPeriodEnd, periodEnd)
	}
	if got.CurrentPeriodStart == nil || !got.CurrentPeriodStart.Equal(periodStart) {
		t.Errorf("CurrentPeriodStart = %v, want %v", got.CurrentPeriodStart, periodStart)
	}
	if got.LatestInvoiceStatus != "open" {
		t.Errorf("LatestInvoiceStatus = %q, want open", got.LatestInvoiceStatus)
	}
	// The heavier tier among the items wins.
	if got.PlanTier != testTierBusiness || got.PriceID != testPriceIDBusiness {
		t.Errorf("PlanTier/PriceID = %q/%q, want business", got.PlanTier, got.PriceID)
	}
}

func TestProvider_ToSubscription_MetadataTierFallback(t *testing.T) {
	provider := newTestProvider(t)
	sub := &stripe.Subscription{
		ID:       testSubscriptionID,
		Status:   stripe.SubscriptionStatusActive,
		Metadata: map[string]string{billing.MetadataPlanTier: "custom"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{Price: &stripe.Price{ID: "price_unmapped"}}},
		},
	}

	got := provider.toSubscription(sub)
	if got.PlanTier != "custom" {
		t.Errorf("PlanTier = %q, want custom", got.PlanTier)
	}
	if got.CurrentPeriodEnd != nil {
		t.Errorf("CurrentPeriodEnd = %v, want nil", got.CurrentPeriodEnd)
	}
}

func TestProvider_SortByPreference(t *testing.T) {
	provider := newTestProvider(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	subs := []billing.Subscription{
		{ID: "old_individual", PlanTier: testTierIndividual, Created: base},
		{ID: "new_individual", PlanTier: testTierIndividual, Created: base.Add(time.Hour)},
		{ID: "business", PlanTier: testTierBusiness, Created: base.Add(-time.Hour)},
	}
	provider.sortByPreference(subs)

	want := []string{"business", "new_individual", "old_individual"}
	for i, id := range want {
		if subs[i].ID != id {
			t.Errorf("position %d = %q, want %q", i, subs[i].ID, id)
		}
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "resource missing",
			err:  &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound, Msg: "No such subscription"},
			want: billing.ErrSubscriptionNotFound,
		},
		{
			name: "plain 404",
			err:  &stripe.Error{HTTPStatusCode: http.StatusNotFound},
			want: billing.ErrSubscriptionNotFound,
		},
		{
			name: "server error",
			err:  &stripe.Error{HTTPStatusCode: http.StatusInternalServerError},
			want: billing.ErrProviderUnavailable,
		},
		{
			name: "network error",
			err:  fmt.Errorf("dial tcp: i/o timeout"),
			want: billing.ErrProviderUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, billing.ErrSubscriptionNotFound)
			if !errors.Is(got, tt.want) {
				t.Errorf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCallStatus(t *testing.T) {
	if got := callStatus(fmt.Errorf("x: %w", billing.ErrCustomerNotFound)); got != "not_found" {
		t.Errorf("callStatus(not found) = %q", got)
	}
	if got := callStatus(billing.ErrProviderUnavailable); got != "error" {
		t.Errorf("callStatus(unavailable) = %q", got)
	}
}
