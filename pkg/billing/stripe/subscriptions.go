package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// RetrieveSubscription fetches a subscription with its latest invoice expanded.
func (p *Provider) RetrieveSubscription(ctx context.Context, subscriptionRef string) (*billing.Subscription, error) {
	const endpoint = "/subscriptions/retrieve"
	startTime := time.Now()

	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("latest_invoice")

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionRef, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		mapped := mapError(err, billing.ErrSubscriptionNotFound)
		p.metrics.RecordAPICall(providerName, endpoint, callStatus(mapped))
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionRef, mapped)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	out := p.toSubscription(sub)
	p.metrics.RecordSubscriptionStatus(providerName, out.Status)
	return &out, nil
}

// UpdateSubscription applies update and returns the resulting subscription.
func (p *Provider) UpdateSubscription(ctx context.Context, subscriptionRef string,
	update billing.SubscriptionUpdate) (*billing.Subscription, error) {
	const endpoint = "/subscriptions/update"
	startTime := time.Now()

	params := &stripe.SubscriptionUpdateParams{}
	if update.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*update.CancelAtPeriodEnd)
	}

	sub, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionRef, params)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		mapped := mapError(err, billing.ErrSubscriptionNotFound)
		p.metrics.RecordAPICall(providerName, endpoint, callStatus(mapped))
		return nil, fmt.Errorf("update subscription %s: %w", subscriptionRef, mapped)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	out := p.toSubscription(sub)
	return &out, nil
}

// ListSubscriptions returns the customer's subscriptions ordered by tier
// weight (highest first), then by creation time (newest first).
func (p *Provider) ListSubscriptions(ctx context.Context, customerRef string,
	filter billing.SubscriptionFilter) ([]billing.Subscription, error) {
	const endpoint = "/subscriptions/list"
	startTime := time.Now()

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerRef)
	if filter.Status != "" {
		params.Status = stripe.String(string(filter.Status))
	}
	if filter.Limit > 0 {
		params.Limit = stripe.Int64(int64(filter.Limit))
	}

	var out []billing.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
			mapped := mapError(err, billing.ErrCustomerNotFound)
			p.metrics.RecordAPICall(providerName, endpoint, callStatus(mapped))
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerRef, mapped)
		}
		out = append(out, p.toSubscription(sub))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	p.metrics.RecordAPICall(providerName, endpoint, "success")

	p.sortByPreference(out)
	return out, nil
}

// ListInvoices returns the customer's invoices, newest first.
func (p *Provider) ListInvoices(ctx context.Context, customerRef string,
	filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	const endpoint = "/invoices/list"
	startTime := time.Now()

	params := &stripe.InvoiceListParams{}
	params.Customer = stripe.String(customerRef)
	if filter.SubscriptionRef != "" {
		params.Subscription = stripe.String(filter.SubscriptionRef)
	}
	if filter.Limit > 0 {
		params.Limit = stripe.Int64(int64(filter.Limit))
	}

	var out []billing.Invoice
	for inv, err := range p.stripeClient.V1Invoices.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
			mapped := mapError(err, billing.ErrCustomerNotFound)
			p.metrics.RecordAPICall(providerName, endpoint, callStatus(mapped))
			return nil, fmt.Errorf("list invoices for %s: %w", customerRef, mapped)
		}
		out = append(out, toInvoice(inv, filter.SubscriptionRef))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return out, nil
}

// toSubscription converts the SDK type. Billing periods live on the items
// since API version 2025-03-31; the first item with a period wins.
func (p *Provider) toSubscription(sub *stripe.Subscription) billing.Subscription {
	out := billing.Subscription{
		ID:                sub.ID,
		Status:            billing.SubscriptionStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Created > 0 {
		out.Created = time.Unix(sub.Created, 0).UTC()
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceStatus = string(sub.LatestInvoice.Status)
	}

	if sub.Items != nil {
		bestWeight := -1
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if out.CurrentPeriodEnd == nil && item.CurrentPeriodEnd > 0 {
				out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
				out.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
			}
			if item.Price == nil {
				continue
			}
			tier := p.MapPriceToTier(item.Price.ID)
			if w := p.GetTierWeight(tier); w > bestWeight {
				bestWeight = w
				out.PriceID = item.Price.ID
				out.PlanTier = tier
			}
		}
	}
	if tier := sub.Metadata[billing.MetadataPlanTier]; out.PlanTier == "" && tier != "" {
		out.PlanTier = tier
	}
	return out
}

func (p *Provider) sortByPreference(subs []billing.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		wi, wj := p.GetTierWeight(subs[i].PlanTier), p.GetTierWeight(subs[j].PlanTier)
		if wi != wj {
			return wi > wj
		}
		return subs[i].Created.After(subs[j].Created)
	})
}

func toInvoice(inv *stripe.Invoice, subscriptionRef string) billing.Invoice {
	out := billing.Invoice{
		ID:              inv.ID,
		Number:          inv.Number,
		SubscriptionRef: subscriptionRef,
		Status:          string(inv.Status),
		AmountDue:       inv.AmountDue,
		AmountPaid:      inv.AmountPaid,
		Currency:        string(inv.Currency),
		HostedURL:       inv.HostedInvoiceURL,
	}
	if inv.PeriodStart > 0 {
		out.PeriodStart = time.Unix(inv.PeriodStart, 0).UTC()
	}
	if inv.PeriodEnd > 0 {
		out.PeriodEnd = time.Unix(inv.PeriodEnd, 0).UTC()
	}
	if inv.Created > 0 {
		out.CreatedAt = time.Unix(inv.Created, 0).UTC()
	}
	return out
}

// mapError converts SDK errors into billing sentinels. A missing resource maps
// to notFound; anything else means the provider could not answer.
func mapError(err error, notFound error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", notFound, stripeErr.Msg)
		}
		return fmt.Errorf("%w: stripe status %d: %s", billing.ErrProviderUnavailable,
			stripeErr.HTTPStatusCode, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
}

func callStatus(err error) string {
	switch {
	case errors.Is(err, billing.ErrSubscriptionNotFound), errors.Is(err, billing.ErrCustomerNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
