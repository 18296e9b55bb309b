package goentitle

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// statusClass is the entitlement meaning of a provider subscription status.
type statusClass int

const (
	// classFailClosed covers incomplete, paused and unknown statuses.
	classFailClosed statusClass = iota
	classEntitled
	// classGrace is past_due: entitled until the grace period runs out.
	classGrace
	// classSuspended is unpaid: not entitled, but the subscription can recover.
	classSuspended
	// classEnded is canceled or incomplete_expired.
	classEnded
)

func classifyStatus(s billing.SubscriptionStatus) statusClass {
	switch s {
	case billing.StatusActive, billing.StatusTrialing:
		return classEntitled
	case billing.StatusPastDue:
		return classGrace
	case billing.StatusUnpaid:
		return classSuspended
	case billing.StatusCanceled, billing.StatusIncompleteExpired:
		return classEnded
	default:
		return classFailClosed
	}
}

// graceActive reports whether a payment issue that started at since still
// keeps the principal entitled at now.
func (c *Config) graceActive(since, now time.Time) bool {
	return now.Sub(since) < c.GracePeriod
}

// paidTier picks the tier for a newly entitled principal.
func (c *Config) paidTier(kind PrincipalKind, candidates ...string) string {
	for _, t := range candidates {
		if t != "" && t != c.DefaultPlanTier {
			return t
		}
	}
	if t := c.PaidPlanTiers[kind]; t != "" {
		return t
	}
	return c.DefaultPlanTier
}

// fromSubscription derives the next entitlement from a provider snapshot.
// cur is the stored entitlement and now the observation time.
func (c *Config) fromSubscription(kind PrincipalKind, cur Entitlement, sub *billing.Subscription, now time.Time) Entitlement {
	next := cur.Clone()
	next.ProviderStatus = string(sub.Status)
	if sub.CustomerRef != "" {
		next.BillingCustomerRef = sub.CustomerRef
	}
	sameSubscription := cur.BillingSubscriptionRef == sub.ID

	switch classifyStatus(sub.Status) {
	case classEntitled:
		next.BillingSubscriptionRef = sub.ID
		next.IsEntitled = true
		next.PaymentIssueSince = nil
	case classGrace:
		since := now
		if sameSubscription && cur.PaymentIssueSince != nil {
			since = *cur.PaymentIssueSince
		}
		next.BillingSubscriptionRef = sub.ID
		next.PaymentIssueSince = &since
		next.IsEntitled = c.graceActive(since, now)
	case classSuspended:
		since := now
		if sameSubscription && cur.PaymentIssueSince != nil {
			since = *cur.PaymentIssueSince
		}
		next.BillingSubscriptionRef = sub.ID
		next.PaymentIssueSince = &since
		next.IsEntitled = false
	case classEnded:
		c.endSubscription(&next, sub.ID)
		return next
	default:
		next.BillingSubscriptionRef = sub.ID
		next.PaymentIssueSince = nil
		next.IsEntitled = false
	}

	if next.IsEntitled {
		keep := ""
		if sameSubscription {
			keep = cur.PlanTier
		}
		next.PlanTier = c.paidTier(kind, sub.PlanTier, keep)
	}
	c.applySchedule(&next, sub.CancelAtPeriodEnd, sub.CurrentPeriodEnd)
	return next
}

// endSubscription applies the terminal transition for subscriptionRef.
func (c *Config) endSubscription(e *Entitlement, subscriptionRef string) {
	if subscriptionRef == "" {
		subscriptionRef = e.BillingSubscriptionRef
	}
	if subscriptionRef != "" {
		e.LastEndedSubscriptionRef = subscriptionRef
	}
	e.BillingSubscriptionRef = ""
	e.IsEntitled = false
	e.PlanTier = c.DefaultPlanTier
	e.CancelScheduled = false
	e.EntitlementEndsAt = nil
	e.PaymentIssueSince = nil
}

// applySchedule keeps CancelScheduled and EntitlementEndsAt consistent: a
// scheduled cancellation always carries its end date and only applies while
// entitled.
func (c *Config) applySchedule(e *Entitlement, cancelAtPeriodEnd bool, periodEnd *time.Time) {
	if e.IsEntitled && cancelAtPeriodEnd && periodEnd != nil {
		e.CancelScheduled = true
		e.EntitlementEndsAt = cloneTime(periodEnd)
		return
	}
	e.CancelScheduled = false
	e.EntitlementEndsAt = nil
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
