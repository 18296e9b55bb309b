package goentitle

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PrincipalKind tags the variant of a Principal.
type PrincipalKind string

const (
	// KindIndividual is a single user holding their own subscription.
	KindIndividual PrincipalKind = "individual"
	// KindOrganization is a team whose subscription is managed by one owner.
	KindOrganization PrincipalKind = "organization"
)

// ParsePrincipalKind converts a wire value into a PrincipalKind.
// "user" is accepted as an alias for individual.
func ParsePrincipalKind(s string) (PrincipalKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(KindIndividual), "user":
		return KindIndividual, nil
	case string(KindOrganization), "org":
		return KindOrganization, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPrincipalKind, s)
	}
}

// Valid reports whether k is a known kind.
func (k PrincipalKind) Valid() bool {
	return k == KindIndividual || k == KindOrganization
}

// PrincipalRef identifies a principal across both namespaces.
type PrincipalRef struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

// Individual returns a reference to an individual principal.
func Individual(id string) PrincipalRef {
	return PrincipalRef{Kind: KindIndividual, ID: id}
}

// Organization returns a reference to an organization principal.
func Organization(id string) PrincipalRef {
	return PrincipalRef{Kind: KindOrganization, ID: id}
}

func (r PrincipalRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Validate checks that the reference can be used as a store key.
func (r PrincipalRef) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPrincipalKind, r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return ErrInvalidPrincipalID
	}
	return nil
}

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	OrgStatusPending   OrgStatus = "PENDING"
	OrgStatusActive    OrgStatus = "ACTIVE"
	OrgStatusSuspended OrgStatus = "SUSPENDED"
)

// Entitlement holds the billing-derived fields shared by both principal kinds.
// Empty BillingCustomerRef and BillingSubscriptionRef mean "not linked".
type Entitlement struct {
	BillingCustomerRef     string     `json:"billingCustomerRef,omitempty"`
	BillingSubscriptionRef string     `json:"billingSubscriptionRef,omitempty"`
	IsEntitled             bool       `json:"isEntitled"`
	PlanTier               string     `json:"planTier"`
	CancelScheduled        bool       `json:"cancelScheduled"`
	EntitlementEndsAt      *time.Time `json:"entitlementEndsAt,omitempty"`

	// ProviderStatus is the raw provider status seen by the last change.
	ProviderStatus string `json:"providerStatus,omitempty"`

	// PaymentIssueSince is set while the provider reports the subscription past due.
	PaymentIssueSince *time.Time `json:"paymentIssueSince,omitempty"`

	// LastEventAt is the provider timestamp of the newest applied webhook event.
	// It orders webhook writes only; reconciliation records LastSyncedAt instead.
	LastEventAt time.Time `json:"lastEventAt,omitempty"`

	// LastEndedSubscriptionRef is the subscription most recently ended for this
	// principal. Late checkout events for it are ignored.
	LastEndedSubscriptionRef string `json:"lastEndedSubscriptionRef,omitempty"`

	// LastSyncedAt is the time of the last successful pull reconciliation.
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// PaymentIssue reports whether the principal is inside a payment grace window.
func (e Entitlement) PaymentIssue() bool {
	return e.PaymentIssueSince != nil
}

// Clone returns a deep copy.
func (e Entitlement) Clone() Entitlement {
	out := e
	out.EntitlementEndsAt = cloneTime(e.EntitlementEndsAt)
	out.PaymentIssueSince = cloneTime(e.PaymentIssueSince)
	out.LastSyncedAt = cloneTime(e.LastSyncedAt)
	return out
}

// equalState compares the fields that affect authorization and scheduling.
// Bookkeeping timestamps are ignored.
func (e Entitlement) equalState(o Entitlement) bool {
	return e.BillingCustomerRef == o.BillingCustomerRef &&
		e.BillingSubscriptionRef == o.BillingSubscriptionRef &&
		e.IsEntitled == o.IsEntitled &&
		e.PlanTier == o.PlanTier &&
		e.CancelScheduled == o.CancelScheduled &&
		timePtrEqual(e.EntitlementEndsAt, o.EntitlementEndsAt) &&
		e.ProviderStatus == o.ProviderStatus &&
		timePtrEqual(e.PaymentIssueSince, o.PaymentIssueSince) &&
		e.LastEndedSubscriptionRef == o.LastEndedSubscriptionRef
}

// OrganizationDetails carries the fields only organizations have.
type OrganizationDetails struct {
	// OwnerPrincipalID is the individual allowed to manage billing.
	OwnerPrincipalID string    `json:"ownerPrincipalId"`
	Status           OrgStatus `json:"status"`
}

// Principal is a tagged union over Individual and Organization.
// Org is non-nil exactly when Kind is KindOrganization.
type Principal struct {
	Kind        PrincipalKind        `json:"kind"`
	ID          string               `json:"id"`
	Entitlement Entitlement          `json:"entitlement"`
	Org         *OrganizationDetails `json:"organization,omitempty"`

	// Version is incremented by every successful entitlement write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewIndividual builds an unentitled individual principal.
func NewIndividual(id, defaultTier string) *Principal {
	return &Principal{
		Kind:        KindIndividual,
		ID:          id,
		Entitlement: Entitlement{PlanTier: defaultTier},
	}
}

// NewOrganization builds an unentitled organization in PENDING state.
func NewOrganization(id, ownerID, defaultTier string) *Principal {
	return &Principal{
		Kind:        KindOrganization,
		ID:          id,
		Entitlement: Entitlement{PlanTier: defaultTier},
		Org: &OrganizationDetails{
			OwnerPrincipalID: ownerID,
			Status:           OrgStatusPending,
		},
	}
}

// Ref returns the principal's reference.
func (p *Principal) Ref() PrincipalRef {
	return PrincipalRef{Kind: p.Kind, ID: p.ID}
}

// Validate checks the tagged union is well formed.
func (p *Principal) Validate() error {
	if p == nil {
		return ErrInvalidPrincipalID
	}
	if err := p.Ref().Validate(); err != nil {
		return err
	}
	switch p.Kind {
	case KindOrganization:
		if p.Org == nil || strings.TrimSpace(p.Org.OwnerPrincipalID) == "" {
			return fmt.Errorf("%w: organization %s has no owner", ErrInvalidPrincipalID, p.ID)
		}
	case KindIndividual:
		if p.Org != nil {
			return fmt.Errorf("%w: individual %s carries organization details", ErrInvalidPrincipalID, p.ID)
		}
	}
	return nil
}

// CanManageBilling reports whether userID may change this principal's subscription.
func (p *Principal) CanManageBilling(userID string) bool {
	if userID == "" {
		return false
	}
	switch p.Kind {
	case KindIndividual:
		return p.ID == userID
	case KindOrganization:
		return p.Org != nil && p.Org.OwnerPrincipalID == userID
	default:
		return false
	}
}

// Clone returns a deep copy.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	out := *p
	out.Entitlement = p.Entitlement.Clone()
	if p.Org != nil {
		org := *p.Org
		out.Org = &org
	}
	return &out
}

// EntitlementWrite is a compare-and-swap replacement of a principal's
// entitlement fields.
type EntitlementWrite struct {
	Entitlement Entitlement

	// OrgStatus optionally moves an organization to a new status.
	// Empty leaves it unchanged.
	OrgStatus OrgStatus

	// ExpectedVersion must equal the stored version for the write to apply.
	ExpectedVersion int64
}

// RecordStatus is the state of a SubscriptionRecord.
type RecordStatus string

const (
	RecordActive    RecordStatus = "ACTIVE"
	RecordCancelled RecordStatus = "CANCELLED"
)

// SubscriptionRecord is an append-on-supersede ledger row for an organization's
// billing cycle.
type SubscriptionRecord struct {
	ID                     string       `json:"id"`
	OwnerPrincipalID       string       `json:"ownerPrincipalId"`
	OrganizationID         string       `json:"organizationId"`
	BillingSubscriptionRef string       `json:"billingSubscriptionRef"`
	Status                 RecordStatus `json:"status"`
	StartDate              time.Time    `json:"startDate"`
	EndDate                *time.Time   `json:"endDate,omitempty"`
	CreatedAt              time.Time    `json:"createdAt"`
	UpdatedAt              time.Time    `json:"updatedAt"`
}

// SubscriptionRecordFields are the caller-supplied values for an upsert.
type SubscriptionRecordFields struct {
	OwnerPrincipalID       string
	BillingSubscriptionRef string
	Status                 RecordStatus
	StartDate              time.Time
	EndDate                *time.Time

	// ID is assigned by the store when empty.
	ID string
	// Now is the time used for superseded end dates and timestamps.
	Now time.Time
}

// ReconcileOutcome classifies a pull reconciliation.
type ReconcileOutcome string

const (
	OutcomeReconciled     ReconcileOutcome = "reconciled"
	OutcomeNoSubscription ReconcileOutcome = "no_subscription"
	OutcomeStale          ReconcileOutcome = "stale"
	OutcomeNotFound       ReconcileOutcome = "not_found"
)

// ReconciliationResult is the entitlement view returned by Reconcile.
type ReconciliationResult struct {
	Outcome           ReconcileOutcome `json:"outcome"`
	Principal         PrincipalRef     `json:"principal"`
	IsEntitled        bool             `json:"isEntitled"`
	PlanTier          string           `json:"planTier"`
	CancelScheduled   bool             `json:"cancelScheduled"`
	EntitlementEndsAt *time.Time       `json:"entitlementEndsAt,omitempty"`
	PaymentIssue      bool             `json:"paymentIssue"`
	ProviderStatus    string           `json:"providerStatus,omitempty"`

	// Stale is set when the view is the last-known local state because the
	// provider or the store could not be reached.
	Stale       bool   `json:"stale"`
	StaleReason string `json:"staleReason,omitempty"`

	// Diverged is set when the provider's subscription replaced a different
	// local one, or when the customer holds a second entitled subscription.
	Diverged bool `json:"diverged,omitempty"`
}

func resultFromPrincipal(outcome ReconcileOutcome, p *Principal) ReconciliationResult {
	e := p.Entitlement
	return ReconciliationResult{
		Outcome:           outcome,
		Principal:         p.Ref(),
		IsEntitled:        e.IsEntitled,
		PlanTier:          e.PlanTier,
		CancelScheduled:   e.CancelScheduled,
		EntitlementEndsAt: cloneTime(e.EntitlementEndsAt),
		PaymentIssue:      e.PaymentIssue(),
		ProviderStatus:    e.ProviderStatus,
	}
}

// EventOutcome classifies the effect of a webhook event.
type EventOutcome string

const (
	EventApplied          EventOutcome = "applied"
	EventUnchanged        EventOutcome = "unchanged"
	EventSkippedStale     EventOutcome = "skipped_stale"
	EventIgnored          EventOutcome = "ignored"
	EventUnknownPrincipal EventOutcome = "unknown_principal"
)

// EventResult describes what Process did with an event.
type EventResult struct {
	Outcome   EventOutcome
	Principal PrincipalRef
	// Transition is non-nil when stored state changed.
	Transition *Transition
}

// Transition is a stored entitlement change, handed to OnTransition callbacks.
type Transition struct {
	Principal PrincipalRef
	Before    Entitlement
	After     Entitlement
	Source    string // "reconcile", "webhook:<event type>", "grace"
	EventID   string
	At        time.Time
}

// Granted reports whether the transition turned entitlement on.
func (t Transition) Granted() bool { return !t.Before.IsEntitled && t.After.IsEntitled }

// Revoked reports whether the transition turned entitlement off.
func (t Transition) Revoked() bool { return t.Before.IsEntitled && !t.After.IsEntitled }

// DenyCode is a machine-readable reason for a denied Decision.
type DenyCode string

const (
	CodeSubscriptionRequired    DenyCode = "SUBSCRIPTION_REQUIRED"
	CodeOrgSubscriptionRequired DenyCode = "ORG_SUBSCRIPTION_REQUIRED"
	CodeOrgSuspended            DenyCode = "ORG_SUSPENDED"
	CodeEntitlementUnavailable  DenyCode = "ENTITLEMENT_UNAVAILABLE"
)

// Actor is the authenticated caller asking for access on behalf of a principal.
type Actor struct {
	Principal PrincipalRef
	// UserID is the acting individual. For individual principals it equals
	// Principal.ID. An actor without a UserID may read entitlement but never
	// manage billing; use IndividualActor for self-service callers.
	UserID string
}

// IndividualActor is an individual acting for itself.
func IndividualActor(id string) Actor {
	return Actor{Principal: Individual(id), UserID: id}
}

// Decision is the Gate's answer. A denial is a normal result, not an error.
type Decision struct {
	Allowed               bool     `json:"allowed"`
	Code                  DenyCode `json:"code,omitempty"`
	Message               string   `json:"message,omitempty"`
	CanManageSubscription bool     `json:"canManageSubscription"`
	RedirectTo            string   `json:"redirectTo,omitempty"`
	PaymentIssue          bool     `json:"paymentIssue,omitempty"`
}

// HTTPStatus is the status code an HTTP layer returns for a denial:
// 503 when the entitlement could not be read, 402 otherwise.
func (d Decision) HTTPStatus() int {
	switch {
	case d.Allowed:
		return http.StatusOK
	case d.Code == CodeEntitlementUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusPaymentRequired
	}
}

// DenialResponse is the JSON body written for a denied request.
type DenialResponse struct {
	Code                  DenyCode `json:"code"`
	Message               string   `json:"message"`
	CanManageSubscription bool     `json:"canManageSubscription"`
	RedirectTo            string   `json:"redirectTo,omitempty"`
	PaymentIssue          bool     `json:"paymentIssue,omitempty"`
}

// Response returns the body for a denied Decision.
func (d Decision) Response() DenialResponse {
	return DenialResponse{
		Code:                  d.Code,
		Message:               d.Message,
		CanManageSubscription: d.CanManageSubscription,
		RedirectTo:            d.RedirectTo,
		PaymentIssue:          d.PaymentIssue,
	}
}

// Config configures the reconciliation core.
type Config struct {
	// DefaultPlanTier is written when a subscription ends (default: "free").
	DefaultPlanTier string

	// PaidPlanTiers is the tier granted by checkout when the event carries none.
	// Defaults: individual -> "individual", organization -> "business".
	PaidPlanTiers map[PrincipalKind]string

	// GracePeriod is how long a past_due subscription stays entitled (default: 14 days).
	GracePeriod time.Duration

	// ProviderTimeout bounds each billing provider call (default: 5s).
	ProviderTimeout time.Duration

	// StoreTimeout bounds each store call (default: 3s).
	StoreTimeout time.Duration

	// MaxWriteAttempts bounds compare-and-swap retries (default: 3).
	MaxWriteAttempts int

	// BillingURL is returned as RedirectTo for callers who can manage billing.
	BillingURL string

	// OnTransition is invoked asynchronously after a stored entitlement change.
	OnTransition func(Transition)

	// MaxPendingNotifications bounds concurrently running OnTransition calls (default: 16).
	MaxPendingNotifications int

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig wraps the store in a circuit breaker when enabled.
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// CircuitBreakerConfig configures the store circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before probing (default: 30s)
	ResetTimeout time.Duration
}

const (
	defaultPlanTier         = "free"
	defaultGracePeriod      = 14 * 24 * time.Hour
	defaultProviderTimeout  = 5 * time.Second
	defaultStoreTimeout     = 3 * time.Second
	defaultMaxWriteAttempts = 3
	defaultMaxNotifications = 16
	defaultBillingURL       = "/billing"
)

// withDefaults returns a copy of c with zero values filled in.
func (c Config) withDefaults() Config {
	if c.DefaultPlanTier == "" {
		c.DefaultPlanTier = defaultPlanTier
	}
	tiers := map[PrincipalKind]string{
		KindIndividual:   "individual",
		KindOrganization: "business",
	}
	for k, v := range c.PaidPlanTiers {
		tiers[k] = v
	}
	c.PaidPlanTiers = tiers
	if c.GracePeriod == 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.MaxWriteAttempts <= 0 {
		c.MaxWriteAttempts = defaultMaxWriteAttempts
	}
	if c.MaxPendingNotifications <= 0 {
		c.MaxPendingNotifications = defaultMaxNotifications
	}
	if c.BillingURL == "" {
		c.BillingURL = defaultBillingURL
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Validate checks the configuration for values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: grace period must not be negative", ErrInvalidConfig)
	}
	if c.ProviderTimeout < 0 || c.StoreTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	for k := range c.PaidPlanTiers {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown principal kind %q in paid plan tiers", ErrInvalidConfig, k)
		}
	}
	if c.CircuitBreakerConfig != nil && c.CircuitBreakerConfig.Enabled &&
		c.CircuitBreakerConfig.FailureThreshold < 0 {
		return fmt.Errorf("%w: circuit breaker failure threshold must not be negative", ErrInvalidConfig)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
