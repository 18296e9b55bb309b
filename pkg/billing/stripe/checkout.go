package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session and returns the URL.
// The tier is resolved to a Stripe Price ID using the configured TierMapping,
// and the principal is stamped into session and subscription metadata so the
// checkout webhook can resolve it.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	const endpoint = "/checkout/sessions"
	startTime := time.Now()

	priceID := p.getPriceIDForTier(req.PlanTier)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, endpoint, "tier_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, req.PlanTier)
	}

	// Only a "not found" lets checkout proceed without a customer. Real
	// failures abort so Stripe does not create a duplicate customer.
	customerID := strings.TrimSpace(req.CustomerRef)
	if customerID == "" {
		var err error
		customerID, err = p.resolveCustomerID(ctx, req.PrincipalKind, req.PrincipalID)
		if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
			p.metrics.RecordAPICall(providerName, endpoint, "customer_resolution_failed")
			return "", fmt.Errorf("failed to resolve customer: %w", err)
		}
	}

	metadata := map[string]string{
		billing.MetadataPrincipalKind: req.PrincipalKind,
		billing.MetadataPrincipalID:   req.PrincipalID,
		billing.MetadataPlanTier:      req.PlanTier,
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.PrincipalID),
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("failed to create checkout session: %w", mapError(err, billing.ErrCustomerNotFound))
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	p.metrics.RecordSessionCreated(providerName, "checkout", req.PrincipalKind)

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
func (p *Provider) PortalURL(ctx context.Context, customerRef, returnURL string) (string, error) {
	const endpoint = "/billing_portal/sessions"
	startTime := time.Now()

	if strings.TrimSpace(customerRef) == "" {
		p.metrics.RecordAPICall(providerName, endpoint, "customer_not_found")
		return "", billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return "", fmt.Errorf("failed to create portal session: %w", mapError(err, billing.ErrCustomerNotFound))
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	p.metrics.RecordSessionCreated(providerName, "portal", "")

	return session.URL, nil
}

// resolveCustomerID finds the Stripe customer for a principal. Uses the
// CustomerIDResolver when configured, otherwise the Search API.
func (p *Provider) resolveCustomerID(ctx context.Context, principalKind, principalID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, principalKind, principalID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}
	return p.searchCustomerByMetadata(ctx, principalKind, principalID)
}

// searchCustomerByMetadata searches for a customer by principal metadata.
// The Search API is eventually consistent, so a miss is not authoritative.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, principalKind, principalID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", billing.MetadataPrincipalID, escapeSearchValue(principalID))

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", mapError(err, billing.ErrCustomerNotFound))
		}
		// Search can return partial matches
		if cust.Metadata[billing.MetadataPrincipalID] == principalID &&
			(cust.Metadata[billing.MetadataPrincipalKind] == "" || cust.Metadata[billing.MetadataPrincipalKind] == principalKind) {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotFound
}

func escapeSearchValue(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
