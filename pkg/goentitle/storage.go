package goentitle

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// Implementations must make WriteEntitlement an atomic compare-and-swap on
// Principal.Version and wrap backend failures with ErrStoreUnavailable.
type Store interface {
	// GetPrincipal retrieves a principal.
	// Returns ErrPrincipalNotFound if it does not exist.
	GetPrincipal(ctx context.Context, ref PrincipalRef) (*Principal, error)

	// CreatePrincipal stores a new principal with version 1.
	// Returns ErrPrincipalExists if it already exists.
	CreatePrincipal(ctx context.Context, p *Principal) error

	// WriteEntitlement replaces the entitlement fields if the stored version
	// equals w.ExpectedVersion, and returns the updated principal.
	// Returns ErrVersionConflict on mismatch and ErrPrincipalNotFound if missing.
	WriteEntitlement(ctx context.Context, ref PrincipalRef, w EntitlementWrite) (*Principal, error)

	// FindBySubscriptionRef looks the reference up in both principal namespaces.
	// Returns ErrPrincipalNotFound when nothing matches.
	FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*Principal, error)

	// UpsertSubscriptionRecord updates the organization's ACTIVE record for the
	// same subscription, or supersedes any other ACTIVE record and appends a new one.
	UpsertSubscriptionRecord(ctx context.Context, organizationID string, fields SubscriptionRecordFields) (*SubscriptionRecord, error)

	// ListSubscriptionRecords returns an organization's records, newest first.
	ListSubscriptionRecords(ctx context.Context, organizationID string) ([]SubscriptionRecord, error)

	// ListPaymentIssues returns entitled principals whose PaymentIssueSince is
	// at or before since.
	ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]Principal, error)
}

// PrincipalCache is implemented by stores that can serve as the hot tier of a
// tiered store: they accept principal snapshots written elsewhere.
type PrincipalCache interface {
	// PutPrincipal stores p verbatim unless a newer version is already cached.
	PutPrincipal(ctx context.Context, p *Principal) error

	// InvalidatePrincipal drops any cached copy of ref.
	InvalidatePrincipal(ctx context.Context, ref PrincipalRef) error
}

// NextRecordChange decides how an upsert applies to an organization's records.
// It is shared by store implementations so every backend follows the same
// supersede rules.
//
// active is the current ACTIVE record (nil if none) and existing is the newest
// record carrying fields.BillingSubscriptionRef (nil if none).
func NextRecordChange(active, existing *SubscriptionRecord, fields SubscriptionRecordFields) RecordChange {
	switch fields.Status {
	case RecordCancelled:
		if active != nil && active.BillingSubscriptionRef == fields.BillingSubscriptionRef {
			return RecordChange{Action: RecordActionClose, Target: active}
		}
		if existing != nil {
			return RecordChange{Action: RecordActionNone, Target: existing}
		}
		return RecordChange{Action: RecordActionAppend}
	default:
		if active != nil && active.BillingSubscriptionRef == fields.BillingSubscriptionRef {
			return RecordChange{Action: RecordActionUpdate, Target: active}
		}
		if active != nil {
			return RecordChange{Action: RecordActionSupersede, Target: active}
		}
		return RecordChange{Action: RecordActionAppend}
	}
}

// RecordAction is the kind of change NextRecordChange selected.
type RecordAction int

const (
	// RecordActionNone returns Target unchanged.
	RecordActionNone RecordAction = iota
	// RecordActionUpdate refreshes the ACTIVE Target in place.
	RecordActionUpdate
	// RecordActionClose moves the ACTIVE Target to CANCELLED.
	RecordActionClose
	// RecordActionSupersede cancels the ACTIVE Target, then appends a new record.
	RecordActionSupersede
	// RecordActionAppend appends a new record.
	RecordActionAppend
)

// RecordChange is the result of NextRecordChange.
type RecordChange struct {
	Action RecordAction
	Target *SubscriptionRecord
}

// BuildRecord creates the row appended by RecordActionAppend/Supersede.
func BuildRecord(organizationID string, fields SubscriptionRecordFields, id string) SubscriptionRecord {
	now := fields.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	start := fields.StartDate
	if start.IsZero() {
		start = now
	}
	rec := SubscriptionRecord{
		ID:                     id,
		OwnerPrincipalID:       fields.OwnerPrincipalID,
		OrganizationID:         organizationID,
		BillingSubscriptionRef: fields.BillingSubscriptionRef,
		Status:                 fields.Status,
		StartDate:              start,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if rec.Status == "" {
		rec.Status = RecordActive
	}
	if rec.Status == RecordCancelled {
		end := now
		if fields.EndDate != nil {
			end = *fields.EndDate
		}
		rec.EndDate = &end
	}
	return rec
}

// ApplyRecordUpdate returns the in-place update of an ACTIVE record.
func ApplyRecordUpdate(rec SubscriptionRecord, fields SubscriptionRecordFields) SubscriptionRecord {
	now := fields.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if fields.OwnerPrincipalID != "" {
		rec.OwnerPrincipalID = fields.OwnerPrincipalID
	}
	if !fields.StartDate.IsZero() && rec.StartDate.IsZero() {
		rec.StartDate = fields.StartDate
	}
	rec.UpdatedAt = now
	return rec
}

// CloseRecord returns rec moved to CANCELLED at end.
func CloseRecord(rec SubscriptionRecord, end, now time.Time) SubscriptionRecord {
	rec.Status = RecordCancelled
	rec.EndDate = &end
	rec.UpdatedAt = now
	return rec
}
