// Package firestore provides a Firestore implementation of the goentitle.Store interface.
// Individuals and organizations live in separate collections; an organization's
// subscription records are a subcollection of its document.
//
// FindBySubscriptionRef and ListPaymentIssues need single-field indexes on
// billingSubscriptionRef and a composite index on (isEntitled, paymentIssueSince).
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/internal/ids"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	individualsCollection   string
	organizationsCollection string
	recordsCollection       string
	now                     func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// IndividualsCollection holds individual principals
	// Default: "billing_individuals"
	IndividualsCollection string

	// OrganizationsCollection holds organization principals
	// Default: "billing_organizations"
	OrganizationsCollection string

	// RecordsCollection is the subcollection of an organization document
	// holding its subscription records
	// Default: "subscription_records"
	RecordsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.IndividualsCollection == "" {
		config.IndividualsCollection = "billing_individuals"
	}
	if config.OrganizationsCollection == "" {
		config.OrganizationsCollection = "billing_organizations"
	}
	if config.RecordsCollection == "" {
		config.RecordsCollection = "subscription_records"
	}

	return &Storage{
		client:                  client,
		individualsCollection:   config.IndividualsCollection,
		organizationsCollection: config.OrganizationsCollection,
		recordsCollection:       config.RecordsCollection,
		now:                     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Storage) collection(kind goentitle.PrincipalKind) *firestore.CollectionRef {
	if kind == goentitle.KindOrganization {
		return s.client.Collection(s.organizationsCollection)
	}
	return s.client.Collection(s.individualsCollection)
}

func (s *Storage) principalDoc(ref goentitle.PrincipalRef) *firestore.DocumentRef {
	return s.collection(ref.Kind).Doc(ref.ID)
}

func (s *Storage) recordsRef(organizationID string) *firestore.CollectionRef {
	return s.client.Collection(s.organizationsCollection).Doc(organizationID).Collection(s.recordsCollection)
}

// GetPrincipal implements goentitle.Store
func (s *Storage) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	snap, err := s.principalDoc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goentitle.ErrPrincipalNotFound
		}
		return nil, unavailable("get principal", err)
	}
	if !snap.Exists() {
		return nil, goentitle.ErrPrincipalNotFound
	}
	return principalFromData(ref, snap.Data()), nil
}

// CreatePrincipal implements goentitle.Store
func (s *Storage) CreatePrincipal(ctx context.Context, p *goentitle.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	stored := p.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1

	_, err := s.principalDoc(p.Ref()).Create(ctx, principalData(stored))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", goentitle.ErrPrincipalExists, p.Ref())
		}
		return unavailable("create principal", err)
	}
	return nil
}

// WriteEntitlement implements goentitle.Store
func (s *Storage) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	doc := s.principalDoc(ref)

	var out *goentitle.Principal
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goentitle.ErrPrincipalNotFound
			}
			return err
		}
		cur := principalFromData(ref, snap.Data())
		if cur.Version != w.ExpectedVersion {
			return fmt.Errorf("%w: %s at version %d, expected %d",
				goentitle.ErrVersionConflict, ref, cur.Version, w.ExpectedVersion)
		}

		next := cur.Clone()
		next.Entitlement = w.Entitlement.Clone()
		if w.OrgStatus != "" && next.Org != nil {
			next.Org.Status = w.OrgStatus
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()
		if err := tx.Set(doc, principalData(next)); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, storeErr("write entitlement", err)
	}
	return out, nil
}

// FindBySubscriptionRef implements goentitle.Store
func (s *Storage) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	if subscriptionRef == "" {
		return nil, goentitle.ErrPrincipalNotFound
	}
	for _, kind := range []goentitle.PrincipalKind{goentitle.KindIndividual, goentitle.KindOrganization} {
		snaps, err := s.collection(kind).
			Where("billingSubscriptionRef", "==", subscriptionRef).
			Limit(1).
			Documents(ctx).GetAll()
		if err != nil {
			return nil, unavailable("find by subscription ref", err)
		}
		if len(snaps) > 0 {
			return principalFromData(goentitle.PrincipalRef{Kind: kind, ID: snaps[0].Ref.ID}, snaps[0].Data()), nil
		}
	}
	return nil, goentitle.ErrPrincipalNotFound
}

// UpsertSubscriptionRecord implements goentitle.Store
func (s *Storage) UpsertSubscriptionRecord(ctx context.Context, organizationID string,
	fields goentitle.SubscriptionRecordFields) (*goentitle.SubscriptionRecord, error) {
	if organizationID == "" || fields.BillingSubscriptionRef == "" {
		return nil, fmt.Errorf("%w: organization and subscription reference are required", goentitle.ErrInvalidPrincipalID)
	}
	if fields.Now.IsZero() {
		fields.Now = s.now()
	}
	coll := s.recordsRef(organizationID)

	var out *goentitle.SubscriptionRecord
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snaps, err := tx.Documents(coll).GetAll()
		if err != nil {
			return err
		}
		recs := make([]goentitle.SubscriptionRecord, 0, len(snaps))
		for _, snap := range snaps {
			recs = append(recs, recordFromData(organizationID, snap.Ref.ID, snap.Data()))
		}
		sortRecords(recs)

		var active, existing *goentitle.SubscriptionRecord
		for i := range recs {
			if recs[i].Status == goentitle.RecordActive {
				active = &recs[i]
			}
			if recs[i].BillingSubscriptionRef == fields.BillingSubscriptionRef {
				existing = &recs[i]
			}
		}

		change := goentitle.NextRecordChange(active, existing, fields)
		var rec goentitle.SubscriptionRecord
		switch change.Action {
		case goentitle.RecordActionNone:
			out = change.Target
			return nil
		case goentitle.RecordActionUpdate:
			rec = goentitle.ApplyRecordUpdate(*active, fields)
		case goentitle.RecordActionClose:
			end := fields.Now
			if fields.EndDate != nil {
				end = *fields.EndDate
			}
			rec = goentitle.CloseRecord(*active, end, fields.Now)
		case goentitle.RecordActionSupersede, goentitle.RecordActionAppend:
			if change.Action == goentitle.RecordActionSupersede {
				closed := goentitle.CloseRecord(*active, fields.Now, fields.Now)
				if err := tx.Set(coll.Doc(closed.ID), recordData(closed)); err != nil {
					return err
				}
			}
			id := fields.ID
			if id == "" {
				id = ids.NewAt(fields.Now)
			}
			rec = goentitle.BuildRecord(organizationID, fields, id)
		}
		if err := tx.Set(coll.Doc(rec.ID), recordData(rec)); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, storeErr("upsert subscription record", err)
	}
	return out, nil
}

// ListSubscriptionRecords implements goentitle.Store
func (s *Storage) ListSubscriptionRecords(ctx context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	snaps, err := s.recordsRef(organizationID).Documents(ctx).GetAll()
	if err != nil {
		return nil, unavailable("list subscription records", err)
	}
	recs := make([]goentitle.SubscriptionRecord, 0, len(snaps))
	for _, snap := range snaps {
		recs = append(recs, recordFromData(organizationID, snap.Ref.ID, snap.Data()))
	}
	sortRecords(recs)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// ListPaymentIssues implements goentitle.Store
func (s *Storage) ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	var out []goentitle.Principal
	for _, kind := range []goentitle.PrincipalKind{goentitle.KindIndividual, goentitle.KindOrganization} {
		q := s.collection(kind).
			Where("isEntitled", "==", true).
			Where("paymentIssueSince", "<=", since).
			OrderBy("paymentIssueSince", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		snaps, err := q.Documents(ctx).GetAll()
		if err != nil {
			return nil, unavailable("list payment issues", err)
		}
		for _, snap := range snaps {
			out = append(out, *principalFromData(goentitle.PrincipalRef{Kind: kind, ID: snap.Ref.ID}, snap.Data()))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Entitlement.PaymentIssueSince.Before(*out[j].Entitlement.PaymentIssueSince)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRecords(recs []goentitle.SubscriptionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

func principalData(p *goentitle.Principal) map[string]interface{} {
	e := p.Entitlement
	data := map[string]interface{}{
		"billingCustomerRef":       e.BillingCustomerRef,
		"billingSubscriptionRef":   e.BillingSubscriptionRef,
		"isEntitled":               e.IsEntitled,
		"planTier":                 e.PlanTier,
		"cancelScheduled":          e.CancelScheduled,
		"entitlementEndsAt":        timeOrNil(e.EntitlementEndsAt),
		"providerStatus":           e.ProviderStatus,
		"paymentIssueSince":        timeOrNil(e.PaymentIssueSince),
		"lastEventAt":              e.LastEventAt,
		"lastEndedSubscriptionRef": e.LastEndedSubscriptionRef,
		"lastSyncedAt":             timeOrNil(e.LastSyncedAt),
		"version":                  p.Version,
		"createdAt":                p.CreatedAt,
		"updatedAt":                p.UpdatedAt,
	}
	if p.Org != nil {
		data["ownerPrincipalId"] = p.Org.OwnerPrincipalID
		data["status"] = string(p.Org.Status)
	}
	return data
}

func principalFromData(ref goentitle.PrincipalRef, data map[string]interface{}) *goentitle.Principal {
	p := &goentitle.Principal{
		Kind: ref.Kind,
		ID:   ref.ID,
		Entitlement: goentitle.Entitlement{
			BillingCustomerRef:       getString(data, "billingCustomerRef"),
			BillingSubscriptionRef:   getString(data, "billingSubscriptionRef"),
			IsEntitled:               getBool(data, "isEntitled"),
			PlanTier:                 getString(data, "planTier"),
			CancelScheduled:          getBool(data, "cancelScheduled"),
			EntitlementEndsAt:        getTimePtr(data, "entitlementEndsAt"),
			ProviderStatus:           getString(data, "providerStatus"),
			PaymentIssueSince:        getTimePtr(data, "paymentIssueSince"),
			LastEventAt:              getTime(data, "lastEventAt"),
			LastEndedSubscriptionRef: getString(data, "lastEndedSubscriptionRef"),
			LastSyncedAt:             getTimePtr(data, "lastSyncedAt"),
		},
		Version:   getInt64(data, "version"),
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}
	if ref.Kind == goentitle.KindOrganization {
		p.Org = &goentitle.OrganizationDetails{
			OwnerPrincipalID: getString(data, "ownerPrincipalId"),
			Status:           goentitle.OrgStatus(getString(data, "status")),
		}
	}
	return p
}

func recordData(rec goentitle.SubscriptionRecord) map[string]interface{} {
	return map[string]interface{}{
		"organizationId":         rec.OrganizationID,
		"ownerPrincipalId":       rec.OwnerPrincipalID,
		"billingSubscriptionRef": rec.BillingSubscriptionRef,
		"status":                 string(rec.Status),
		"startDate":              rec.StartDate,
		"endDate":                timeOrNil(rec.EndDate),
		"createdAt":              rec.CreatedAt,
		"updatedAt":              rec.UpdatedAt,
	}
}

func recordFromData(organizationID, id string, data map[string]interface{}) goentitle.SubscriptionRecord {
	return goentitle.SubscriptionRecord{
		ID:                     id,
		OrganizationID:         organizationID,
		OwnerPrincipalID:       getString(data, "ownerPrincipalId"),
		BillingSubscriptionRef: getString(data, "billingSubscriptionRef"),
		Status:                 goentitle.RecordStatus(getString(data, "status")),
		StartDate:              getTime(data, "startDate"),
		EndDate:                getTimePtr(data, "endDate"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
}

// storeErr passes domain errors through and wraps everything else.
func storeErr(op string, err error) error {
	for _, domain := range []error{goentitle.ErrPrincipalNotFound, goentitle.ErrVersionConflict} {
		if errors.Is(err, domain) {
			return err
		}
	}
	if status.Code(err) == codes.NotFound {
		return goentitle.ErrPrincipalNotFound
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: firestore %s: %v", goentitle.ErrStoreUnavailable, op, err)
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok {
		return nil
	}
	v = v.UTC()
	return &v
}

var _ goentitle.Store = (*Storage)(nil)
