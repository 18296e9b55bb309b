package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// EntitlementResponse is the stored entitlement of the caller's principal
type EntitlementResponse struct {
	Kind                  goentitle.PrincipalKind `json:"kind"`
	ID                    string                  `json:"id"`
	IsEntitled            bool                    `json:"isEntitled"`
	PlanTier              string                  `json:"planTier"`
	CancelScheduled       bool                    `json:"cancelScheduled"`
	EntitlementEndsAt     *time.Time              `json:"entitlementEndsAt,omitempty"`
	PaymentIssue          bool                    `json:"paymentIssue"`
	ProviderStatus        string                  `json:"providerStatus,omitempty"`
	OrgStatus             goentitle.OrgStatus     `json:"orgStatus,omitempty"`
	CanManageSubscription bool                    `json:"canManageSubscription"`
	LastSyncedAt          *time.Time              `json:"lastSyncedAt,omitempty"`
}

// InvoicesResponse is a page of payment history
type InvoicesResponse struct {
	Invoices []billing.Invoice `json:"invoices"`
}

// RecordsResponse is an organization's subscription history
type RecordsResponse struct {
	Records []goentitle.SubscriptionRecord `json:"records"`
}

// CheckoutRequest is the body of POST /v1/billing/checkout. Empty URLs fall
// back to the configured defaults.
type CheckoutRequest struct {
	PlanTier   string `json:"planTier"`
	SuccessURL string `json:"successUrl,omitempty"`
	CancelURL  string `json:"cancelUrl,omitempty"`
}

// PortalRequest is the body of POST /v1/billing/portal
type PortalRequest struct {
	ReturnURL string `json:"returnUrl,omitempty"`
}

// RedirectResponse carries a hosted page URL
type RedirectResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func entitlementResponse(p *goentitle.Principal, userID string) EntitlementResponse {
	e := p.Entitlement
	resp := EntitlementResponse{
		Kind:              p.Kind,
		ID:                p.ID,
		IsEntitled:        e.IsEntitled,
		PlanTier:          e.PlanTier,
		CancelScheduled:   e.CancelScheduled,
		EntitlementEndsAt: e.EntitlementEndsAt,
		PaymentIssue:      e.PaymentIssue(),
		ProviderStatus:    e.ProviderStatus,
		LastSyncedAt:      e.LastSyncedAt,
	}
	if p.Org != nil {
		resp.OrgStatus = p.Org.Status
	}
	resp.CanManageSubscription = p.CanManageBilling(userID)
	return resp
}
