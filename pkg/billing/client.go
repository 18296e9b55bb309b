package billing

import (
	"context"
	"time"
)

// Client is the contract the entitlement core needs from a billing provider.
// Implementations must honor ctx deadlines and map provider failures to
// ErrProviderUnavailable and missing subscriptions to ErrSubscriptionNotFound.
type Client interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// RetrieveSubscription fetches the current state of a subscription.
	RetrieveSubscription(ctx context.Context, subscriptionRef string) (*Subscription, error)

	// UpdateSubscription changes the subscription and returns its new state.
	UpdateSubscription(ctx context.Context, subscriptionRef string, update SubscriptionUpdate) (*Subscription, error)

	// ListSubscriptions returns a customer's subscriptions, newest first.
	ListSubscriptions(ctx context.Context, customerRef string, filter SubscriptionFilter) ([]Subscription, error)

	// ListInvoices returns a customer's invoices, newest first.
	ListInvoices(ctx context.Context, customerRef string, filter InvoiceFilter) ([]Invoice, error)

	// VerifyAndParseEvent authenticates a webhook payload and normalizes it.
	// Returns ErrInvalidWebhookSignature when the signature does not verify.
	VerifyAndParseEvent(payload []byte, signatureHeader, secret string) (*Event, error)
}

// SessionCreator is implemented by providers that host checkout and
// self-service billing pages.
type SessionCreator interface {
	// CheckoutURL starts a subscription checkout and returns the hosted page URL.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL returns a billing portal URL for an existing customer.
	PortalURL(ctx context.Context, customerRef, returnURL string) (string, error)
}

// SubscriptionStatus is the provider's lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPaused            SubscriptionStatus = "paused"
)

// Subscription is a provider-neutral view of a subscription.
type Subscription struct {
	ID                  string
	CustomerRef         string
	Status              SubscriptionStatus
	CancelAtPeriodEnd   bool
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	LatestInvoiceStatus string
	PriceID             string
	// PlanTier is the tier PriceID maps to; empty when the price is not mapped.
	PlanTier string
	Metadata map[string]string
	Created  time.Time
}

// SubscriptionUpdate lists the fields UpdateSubscription may change.
// Nil fields are left untouched.
type SubscriptionUpdate struct {
	CancelAtPeriodEnd *bool
}

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	// Status restricts results to one status; empty means any non-canceled status.
	Status SubscriptionStatus
	// Limit caps the number of results; zero means provider default.
	Limit int
}

// InvoiceFilter narrows ListInvoices.
type InvoiceFilter struct {
	SubscriptionRef string
	Limit           int
}

// Invoice is a provider-neutral view of an invoice.
type Invoice struct {
	ID              string    `json:"id"`
	Number          string    `json:"number,omitempty"`
	SubscriptionRef string    `json:"subscriptionRef,omitempty"`
	Status          string    `json:"status"`
	AmountDue       int64     `json:"amountDue"`
	AmountPaid      int64     `json:"amountPaid"`
	Currency        string    `json:"currency"`
	HostedURL       string    `json:"hostedUrl,omitempty"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CheckoutRequest describes a subscription checkout for a principal.
type CheckoutRequest struct {
	PrincipalKind string
	PrincipalID   string
	// CustomerRef attaches an existing customer; empty lets the provider create one.
	CustomerRef string
	PlanTier    string
	SuccessURL  string
	CancelURL   string
}

// Metadata keys stamped on checkout sessions and subscriptions.
const (
	MetadataPrincipalKind = "principal_kind"
	MetadataPrincipalID   = "principal_id"
	MetadataPlanTier      = "plan_tier"
	// MetadataUserID is the legacy key; it implies an individual principal.
	MetadataUserID = "user_id"
)
