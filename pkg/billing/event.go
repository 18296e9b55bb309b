package billing

import "time"

// EventType is the normalized kind of a billing event.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout_completed"
	EventSubscriptionUpdated     EventType = "subscription_updated"
	EventSubscriptionDeleted     EventType = "subscription_deleted"
	EventInvoicePaymentSucceeded EventType = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice_payment_failed"
	EventUnsupported             EventType = "unsupported"
)

// Event is a verified provider notification normalized for the entitlement core.
type Event struct {
	ID   string
	Type EventType
	// ProviderType is the provider's own event name (e.g., "customer.subscription.updated").
	ProviderType string
	// CreatedAt is the provider timestamp used for ordering.
	CreatedAt time.Time

	CustomerRef     string
	SubscriptionRef string

	// PrincipalKind and PrincipalID come from checkout metadata. PrincipalKind
	// is "individual" or "organization".
	PrincipalKind string
	PrincipalID   string

	PlanTier          string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	// Status is the subscription status carried by subscription events.
	Status SubscriptionStatus
}

// Terminal reports whether the event ends the subscription.
func (e *Event) Terminal() bool {
	if e.Type == EventSubscriptionDeleted {
		return true
	}
	return e.Type == EventSubscriptionUpdated && e.Status.Ended()
}

// Ended reports whether the status means the subscription is over for good.
func (s SubscriptionStatus) Ended() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}
