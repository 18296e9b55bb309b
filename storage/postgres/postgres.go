// Package postgres provides a PostgreSQL implementation of the goentitle.Store interface.
// Entitlement writes are conditional UPDATEs on the version column, and
// subscription record changes run in a transaction under a per-organization
// advisory lock.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/internal/ids"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Schema creates the tables and indexes the store needs. It is idempotent.
//
//go:embed schema.sql
var Schema string

// Storage implements goentitle.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema when the storage is created.
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies Schema.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const principalColumns = `kind, id, owner_principal_id, org_status, billing_customer_ref,
	billing_subscription_ref, is_entitled, plan_tier, cancel_scheduled, entitlement_ends_at,
	provider_status, payment_issue_since, last_event_at, last_ended_subscription_ref,
	last_synced_at, version, created_at, updated_at`

const recordColumns = `id, organization_id, owner_principal_id, billing_subscription_ref,
	status, start_date, end_date, created_at, updated_at`

func scanPrincipal(row pgx.Row) (*goentitle.Principal, error) {
	var (
		p               goentitle.Principal
		kind, owner     string
		orgStatus       string
		e               = &p.Entitlement
		endsAt, issue   *time.Time
		synced          *time.Time
		lastEvent       time.Time
		created, update time.Time
	)
	err := row.Scan(&kind, &p.ID, &owner, &orgStatus, &e.BillingCustomerRef,
		&e.BillingSubscriptionRef, &e.IsEntitled, &e.PlanTier, &e.CancelScheduled, &endsAt,
		&e.ProviderStatus, &issue, &lastEvent, &e.LastEndedSubscriptionRef,
		&synced, &p.Version, &created, &update)
	if err != nil {
		return nil, err
	}
	p.Kind = goentitle.PrincipalKind(kind)
	if p.Kind == goentitle.KindOrganization {
		p.Org = &goentitle.OrganizationDetails{OwnerPrincipalID: owner, Status: goentitle.OrgStatus(orgStatus)}
	}
	e.EntitlementEndsAt = utcPtr(endsAt)
	e.PaymentIssueSince = utcPtr(issue)
	e.LastSyncedAt = utcPtr(synced)
	e.LastEventAt = lastEvent.UTC()
	p.CreatedAt = created.UTC()
	p.UpdatedAt = update.UTC()
	return &p, nil
}

func scanRecord(row pgx.Row) (goentitle.SubscriptionRecord, error) {
	var (
		rec    goentitle.SubscriptionRecord
		status string
		end    *time.Time
	)
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.OwnerPrincipalID, &rec.BillingSubscriptionRef,
		&status, &rec.StartDate, &end, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = goentitle.RecordStatus(status)
	rec.StartDate = rec.StartDate.UTC()
	rec.EndDate = utcPtr(end)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// GetPrincipal implements goentitle.Store
func (s *Storage) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable("get principal", err)
	}
	return p, nil
}

// CreatePrincipal implements goentitle.Store
func (s *Storage) CreatePrincipal(ctx context.Context, p *goentitle.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := s.now()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	owner, orgStatus := orgColumns(p)
	e := p.Entitlement

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17)
		ON CONFLICT (kind, id) DO NOTHING`,
		string(p.Kind), p.ID, owner, orgStatus, e.BillingCustomerRef,
		e.BillingSubscriptionRef, e.IsEntitled, e.PlanTier, e.CancelScheduled, e.EntitlementEndsAt,
		e.ProviderStatus, e.PaymentIssueSince, e.LastEventAt, e.LastEndedSubscriptionRef,
		e.LastSyncedAt, created, now)
	if err != nil {
		return unavailable("create principal", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", goentitle.ErrPrincipalExists, p.Ref())
	}
	return nil
}

// WriteEntitlement implements goentitle.Store as a conditional UPDATE on version
func (s *Storage) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	e := w.Entitlement
	p, err := scanPrincipal(s.pool.QueryRow(ctx, `
		UPDATE principals SET
			billing_customer_ref = $4,
			billing_subscription_ref = $5,
			is_entitled = $6,
			plan_tier = $7,
			cancel_scheduled = $8,
			entitlement_ends_at = $9,
			provider_status = $10,
			payment_issue_since = $11,
			last_event_at = $12,
			last_ended_subscription_ref = $13,
			last_synced_at = $14,
			org_status = CASE WHEN kind = 'organization' AND $15 <> '' THEN $15 ELSE org_status END,
			version = version + 1,
			updated_at = $16
		WHERE kind = $1 AND id = $2 AND version = $3
		RETURNING `+principalColumns,
		string(ref.Kind), ref.ID, w.ExpectedVersion,
		e.BillingCustomerRef, e.BillingSubscriptionRef, e.IsEntitled, e.PlanTier, e.CancelScheduled,
		e.EntitlementEndsAt, e.ProviderStatus, e.PaymentIssueSince, e.LastEventAt,
		e.LastEndedSubscriptionRef, e.LastSyncedAt, string(w.OrgStatus), s.now()))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("write entitlement", err)
	}

	// Nothing matched: either the principal is gone or the version moved on.
	var version int64
	err = s.pool.QueryRow(ctx, `SELECT version FROM principals WHERE kind = $1 AND id = $2`,
		string(ref.Kind), ref.ID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable("write entitlement", err)
	}
	return nil, fmt.Errorf("%w: %s at version %d, expected %d",
		goentitle.ErrVersionConflict, ref, version, w.ExpectedVersion)
}

// FindBySubscriptionRef implements goentitle.Store
func (s *Storage) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	if subscriptionRef == "" {
		return nil, goentitle.ErrPrincipalNotFound
	}
	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals
			WHERE billing_subscription_ref = $1
			ORDER BY updated_at DESC LIMIT 1`,
		subscriptionRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable("find by subscription ref", err)
	}
	return p, nil
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Serializes record changes per organization, including the first insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "subscription_records:"+organizationID); err != nil {
		return nil, unavailable("lock subscription records", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+recordColumns+` FROM subscription_records
			WHERE organization_id = $1 ORDER BY created_at, id`, organizationID)
	if err != nil {
		return nil, unavailable("list subscription records", err)
	}
	var recs []goentitle.SubscriptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, unavailable("scan subscription record", err)
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subscription records", err)
	}

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
	var out goentitle.SubscriptionRecord
	switch change.Action {
	case goentitle.RecordActionNone:
		return change.Target, nil
	case goentitle.RecordActionUpdate:
		out = goentitle.ApplyRecordUpdate(*active, fields)
		if err := updateRecord(ctx, tx, out); err != nil {
			return nil, err
		}
	case goentitle.RecordActionClose:
		end := fields.Now
		if fields.EndDate != nil {
			end = *fields.EndDate
		}
		out = goentitle.CloseRecord(*active, end, fields.Now)
		if err := updateRecord(ctx, tx, out); err != nil {
			return nil, err
		}
	case goentitle.RecordActionSupersede, goentitle.RecordActionAppend:
		if change.Action == goentitle.RecordActionSupersede {
			if err := updateRecord(ctx, tx, goentitle.CloseRecord(*active, fields.Now, fields.Now)); err != nil {
				return nil, err
			}
		}
		id := fields.ID
		if id == "" {
			id = ids.NewAt(fields.Now)
		}
		out = goentitle.BuildRecord(organizationID, fields, id)
		_, err := tx.Exec(ctx, `
			INSERT INTO subscription_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			out.ID, out.OrganizationID, out.OwnerPrincipalID, out.BillingSubscriptionRef,
			string(out.Status), out.StartDate, out.EndDate, out.CreatedAt, out.UpdatedAt)
		if err != nil {
			return nil, unavailable("insert subscription record", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit subscription record", err)
	}
	return &out, nil
}

func updateRecord(ctx context.Context, tx pgx.Tx, rec goentitle.SubscriptionRecord) error {
	_, err := tx.Exec(ctx, `
		UPDATE subscription_records
		SET owner_principal_id = $2, status = $3, start_date = $4, end_date = $5, updated_at = $6
		WHERE id = $1`,
		rec.ID, rec.OwnerPrincipalID, string(rec.Status), rec.StartDate, rec.EndDate, rec.UpdatedAt)
	if err != nil {
		return unavailable("update subscription record", err)
	}
	return nil
}

// ListSubscriptionRecords implements goentitle.Store
func (s *Storage) ListSubscriptionRecords(ctx context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM subscription_records
			WHERE organization_id = $1 ORDER BY created_at DESC, id DESC`, organizationID)
	if err != nil {
		return nil, unavailable("list subscription records", err)
	}
	defer rows.Close()

	out := []goentitle.SubscriptionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan subscription record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subscription records", err)
	}
	return out, nil
}

// ListPaymentIssues implements goentitle.Store
func (s *Storage) ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+principalColumns+` FROM principals
			WHERE is_entitled AND payment_issue_since IS NOT NULL AND payment_issue_since <= $1
			ORDER BY payment_issue_since
			LIMIT NULLIF($2, 0)`, since, limit)
	if err != nil {
		return nil, unavailable("list payment issues", err)
	}
	defer rows.Close()

	var out []goentitle.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, unavailable("scan principal", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list payment issues", err)
	}
	return out, nil
}

func orgColumns(p *goentitle.Principal) (owner, status string) {
	if p.Org == nil {
		return "", ""
	}
	return p.Org.OwnerPrincipalID, string(p.Org.Status)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", goentitle.ErrStoreUnavailable, op, err)
}

var _ goentitle.Store = (*Storage)(nil)
