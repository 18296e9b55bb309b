package goentitle

import (
	"context"
	"errors"
)

// Gate answers per-request authorization questions from the stored
// entitlement. It never writes and never calls the billing provider.
type Gate struct {
	*engine
}

// NewGate creates a Gate. config may be nil for defaults.
func NewGate(store Store, config *Config) (*Gate, error) {
	e, err := newEngine(store, nil, config)
	if err != nil {
		return nil, err
	}
	return &Gate{engine: e}, nil
}

// CheckAccess decides whether actor may use paid features of its principal.
// Unknown principals and unreadable stores are denied.
func (g *Gate) CheckAccess(ctx context.Context, actor Actor) Decision {
	d := g.decide(ctx, actor)
	if !d.Allowed && d.CanManageSubscription && d.Code != CodeEntitlementUnavailable {
		d.RedirectTo = g.config.BillingURL
	}
	g.config.Metrics.RecordGateDecision(actor.Principal.Kind, d.Allowed, d.Code)
	return d
}

func (g *Gate) decide(ctx context.Context, actor Actor) Decision {
	ref := actor.Principal
	if err := ref.Validate(); err != nil {
		return Decision{Code: requiredCode(ref.Kind), Message: "no subscription found for this account"}
	}

	p, err := g.getPrincipal(ctx, ref)
	switch {
	case errors.Is(err, ErrPrincipalNotFound):
		return Decision{
			Code:                  requiredCode(ref.Kind),
			Message:               "no subscription found for this account",
			CanManageSubscription: ref.Kind == KindIndividual && canManageIndividual(ref, actor.UserID),
		}
	case err != nil:
		g.config.Logger.Warn("entitlement store unavailable, denying access",
			withFields(principalFields(ref), Field{"error", err.Error()})...)
		return Decision{
			Code:    CodeEntitlementUnavailable,
			Message: "entitlement could not be verified, try again shortly",
		}
	}

	e := p.Entitlement
	if p.Kind == KindIndividual {
		manage := canManageIndividual(ref, actor.UserID)
		if e.IsEntitled {
			return Decision{Allowed: true, CanManageSubscription: manage, PaymentIssue: e.PaymentIssue()}
		}
		return Decision{
			Code:                  CodeSubscriptionRequired,
			Message:               "an active subscription is required",
			CanManageSubscription: manage,
			PaymentIssue:          e.PaymentIssue(),
		}
	}

	owner := p.CanManageBilling(actor.UserID)
	if p.Org != nil && p.Org.Status == OrgStatusSuspended {
		return Decision{
			Code:                  CodeOrgSuspended,
			Message:               "this organization is suspended",
			CanManageSubscription: owner,
		}
	}
	if e.IsEntitled {
		return Decision{Allowed: true, CanManageSubscription: owner, PaymentIssue: e.PaymentIssue()}
	}
	msg := "the organization needs an active subscription, contact the organization owner"
	if owner {
		msg = "the organization needs an active subscription"
	}
	return Decision{
		Code:                  CodeOrgSubscriptionRequired,
		Message:               msg,
		CanManageSubscription: owner,
		PaymentIssue:          e.PaymentIssue(),
	}
}

func canManageIndividual(ref PrincipalRef, userID string) bool {
	return userID != "" && userID == ref.ID
}

func requiredCode(kind PrincipalKind) DenyCode {
	if kind == KindOrganization {
		return CodeOrgSubscriptionRequired
	}
	return CodeSubscriptionRequired
}
