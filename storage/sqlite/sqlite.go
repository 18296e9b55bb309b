// Package sqlite provides a SQLite implementation of the goentitle.Store
// interface for single-node deployments and local development. It uses the
// pure-Go modernc.org/sqlite driver through database/sql.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/goentitle/internal/ids"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Store using SQLite.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds SQLite storage configuration.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string

	// BusyTimeout is how long a writer waits for a lock (default: 5s).
	BusyTimeout time.Duration
}

// New opens the database at config.Path and applies the schema.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// visible to every query.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database. The caller applies Migrate.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS principals (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		owner_principal_id TEXT NOT NULL DEFAULT '',
		org_status TEXT NOT NULL DEFAULT '',
		billing_customer_ref TEXT NOT NULL DEFAULT '',
		billing_subscription_ref TEXT NOT NULL DEFAULT '',
		is_entitled INTEGER NOT NULL DEFAULT 0,
		plan_tier TEXT NOT NULL DEFAULT '',
		cancel_scheduled INTEGER NOT NULL DEFAULT 0,
		entitlement_ends_at INTEGER,
		provider_status TEXT NOT NULL DEFAULT '',
		payment_issue_since INTEGER,
		last_event_at INTEGER NOT NULL DEFAULT 0,
		last_ended_subscription_ref TEXT NOT NULL DEFAULT '',
		last_synced_at INTEGER,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_principals_subscription_ref
		ON principals(billing_subscription_ref) WHERE billing_subscription_ref <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_principals_payment_issue
		ON principals(payment_issue_since) WHERE is_entitled = 1 AND payment_issue_since IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS subscription_records (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		owner_principal_id TEXT NOT NULL,
		billing_subscription_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		start_date INTEGER NOT NULL,
		end_date INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscription_records_one_active
		ON subscription_records(organization_id) WHERE status = 'ACTIVE'`,
	`CREATE INDEX IF NOT EXISTS idx_subscription_records_org
		ON subscription_records(organization_id, created_at)`,
}

// Migrate creates the tables and indexes. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const principalColumns = `kind, id, owner_principal_id, org_status, billing_customer_ref,
	billing_subscription_ref, is_entitled, plan_tier, cancel_scheduled, entitlement_ends_at,
	provider_status, payment_issue_since, last_event_at, last_ended_subscription_ref,
	last_synced_at, version, created_at, updated_at`

const recordColumns = `id, organization_id, owner_principal_id, billing_subscription_ref,
	status, start_date, end_date, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (*goentitle.Principal, error) {
	var (
		p                         goentitle.Principal
		kind, owner, orgStatus    string
		endsAt, issue, synced     sql.NullInt64
		lastEvent, created, updat int64
	)
	e := &p.Entitlement
	err := row.Scan(&kind, &p.ID, &owner, &orgStatus, &e.BillingCustomerRef,
		&e.BillingSubscriptionRef, &e.IsEntitled, &e.PlanTier, &e.CancelScheduled, &endsAt,
		&e.ProviderStatus, &issue, &lastEvent, &e.LastEndedSubscriptionRef,
		&synced, &p.Version, &created, &updat)
	if err != nil {
		return nil, err
	}
	p.Kind = goentitle.PrincipalKind(kind)
	if p.Kind == goentitle.KindOrganization {
		p.Org = &goentitle.OrganizationDetails{OwnerPrincipalID: owner, Status: goentitle.OrgStatus(orgStatus)}
	}
	e.EntitlementEndsAt = fromNullNanos(endsAt)
	e.PaymentIssueSince = fromNullNanos(issue)
	e.LastSyncedAt = fromNullNanos(synced)
	e.LastEventAt = fromNanos(lastEvent)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updat)
	return &p, nil
}

func scanRecord(row scanner) (goentitle.SubscriptionRecord, error) {
	var (
		rec                     goentitle.SubscriptionRecord
		status                  string
		start, created, updated int64
		end                     sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.OwnerPrincipalID, &rec.BillingSubscriptionRef,
		&status, &start, &end, &created, &updated)
	if err != nil {
		return rec, err
	}
	rec.Status = goentitle.RecordStatus(status)
	rec.StartDate = fromNanos(start)
	rec.EndDate = fromNullNanos(end)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return rec, nil
}

// GetPrincipal implements goentitle.Store
func (s *Storage) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID))
	if errors.Is(err, sql.ErrNoRows) {
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
	owner, orgStatus := "", ""
	if p.Org != nil {
		owner, orgStatus = p.Org.OwnerPrincipalID, string(p.Org.Status)
	}
	e := p.Entitlement

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (kind, id) DO NOTHING`,
		string(p.Kind), p.ID, owner, orgStatus, e.BillingCustomerRef,
		e.BillingSubscriptionRef, e.IsEntitled, e.PlanTier, e.CancelScheduled, toNullNanos(e.EntitlementEndsAt),
		e.ProviderStatus, toNullNanos(e.PaymentIssueSince), toNanos(e.LastEventAt), e.LastEndedSubscriptionRef,
		toNullNanos(e.LastSyncedAt), toNanos(created), toNanos(now))
	if err != nil {
		return unavailable("create principal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("create principal", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", goentitle.ErrPrincipalExists, p.Ref())
	}
	return nil
}

// WriteEntitlement implements goentitle.Store as a conditional UPDATE on version
func (s *Storage) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	e := w.Entitlement
	res, err := tx.ExecContext(ctx, `
		UPDATE principals SET
			billing_customer_ref = ?,
			billing_subscription_ref = ?,
			is_entitled = ?,
			plan_tier = ?,
			cancel_scheduled = ?,
			entitlement_ends_at = ?,
			provider_status = ?,
			payment_issue_since = ?,
			last_event_at = ?,
			last_ended_subscription_ref = ?,
			last_synced_at = ?,
			org_status = CASE WHEN kind = 'organization' AND ? <> '' THEN ? ELSE org_status END,
			version = version + 1,
			updated_at = ?
		WHERE kind = ? AND id = ? AND version = ?`,
		e.BillingCustomerRef, e.BillingSubscriptionRef, e.IsEntitled, e.PlanTier, e.CancelScheduled,
		toNullNanos(e.EntitlementEndsAt), e.ProviderStatus, toNullNanos(e.PaymentIssueSince),
		toNanos(e.LastEventAt), e.LastEndedSubscriptionRef, toNullNanos(e.LastSyncedAt),
		string(w.OrgStatus), string(w.OrgStatus), toNanos(s.now()),
		string(ref.Kind), ref.ID, w.ExpectedVersion)
	if err != nil {
		return nil, unavailable("write entitlement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("write entitlement", err)
	}

	p, err := scanPrincipal(tx.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE kind = ? AND id = ?`,
		string(ref.Kind), ref.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable("write entitlement", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			goentitle.ErrVersionConflict, ref, p.Version, w.ExpectedVersion)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit entitlement", err)
	}
	return p, nil
}

// FindBySubscriptionRef implements goentitle.Store
func (s *Storage) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	if subscriptionRef == "" {
		return nil, goentitle.ErrPrincipalNotFound
	}
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals
			WHERE billing_subscription_ref = ? ORDER BY updated_at DESC LIMIT 1`,
		subscriptionRef))
	if errors.Is(err, sql.ErrNoRows) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	recs, err := queryRecords(ctx, tx,
		`SELECT `+recordColumns+` FROM subscription_records
			WHERE organization_id = ? ORDER BY created_at, id`, organizationID)
	if err != nil {
		return nil, err
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
		err = updateRecord(ctx, tx, out)
	case goentitle.RecordActionClose:
		end := fields.Now
		if fields.EndDate != nil {
			end = *fields.EndDate
		}
		out = goentitle.CloseRecord(*active, end, fields.Now)
		err = updateRecord(ctx, tx, out)
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscription_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID, out.OrganizationID, out.OwnerPrincipalID, out.BillingSubscriptionRef,
			string(out.Status), toNanos(out.StartDate), toNullNanos(out.EndDate),
			toNanos(out.CreatedAt), toNanos(out.UpdatedAt))
		if err != nil {
			err = unavailable("insert subscription record", err)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit subscription record", err)
	}
	return &out, nil
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec goentitle.SubscriptionRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscription_records
		SET owner_principal_id = ?, status = ?, start_date = ?, end_date = ?, updated_at = ?
		WHERE id = ?`,
		rec.OwnerPrincipalID, string(rec.Status), toNanos(rec.StartDate), toNullNanos(rec.EndDate),
		toNanos(rec.UpdatedAt), rec.ID)
	if err != nil {
		return unavailable("update subscription record", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]goentitle.SubscriptionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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

// ListSubscriptionRecords implements goentitle.Store
func (s *Storage) ListSubscriptionRecords(ctx context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	return queryRecords(ctx, s.db,
		`SELECT `+recordColumns+` FROM subscription_records
			WHERE organization_id = ? ORDER BY created_at DESC, id DESC`, organizationID)
}

// ListPaymentIssues implements goentitle.Store
func (s *Storage) ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals
			WHERE is_entitled = 1 AND payment_issue_since IS NOT NULL AND payment_issue_since <= ?
			ORDER BY payment_issue_since LIMIT ?`, toNanos(since), limit)
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

// Times are stored as Unix nanoseconds; 0 is the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %v", goentitle.ErrStoreUnavailable, op, err)
}

var _ goentitle.Store = (*Storage)(nil)
