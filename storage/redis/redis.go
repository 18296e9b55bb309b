// Package redis provides a Redis implementation of the goentitle.Store
// interface. Principal writes run as Lua scripts so the version check, the
// subscription index and the payment-issue index change atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/internal/ids"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Storage implements goentitle.Store and goentitle.PrincipalCache using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	save   *redis.Script
	now    func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// PrincipalTTL expires principal keys (0 = no expiration). Set it only
	// when Redis is the hot tier of a tiered store.
	PrincipalTTL time.Duration

	// MaxRetries bounds optimistic retries of record upserts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "goentitle:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	return &Storage{
		client: client,
		config: config,
		save:   redis.NewScript(saveScript),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Result codes of saveScript.
const (
	saveOK       = 1
	saveConflict = 0
	saveMissing  = -1
	saveExists   = -2
	saveSkipped  = 2
)

// saveScript stores a principal snapshot and maintains its indexes.
//
// KEYS[1] principal hash, KEYS[2] payment-issue sorted set.
// ARGV: mode (create|cas|put), version (expected for cas, snapshot version
// otherwise), data, member, subscription index prefix, subscription ref,
// payment issue score ("" when none), ttl seconds.
const saveScript = `
	local key = KEYS[1]
	local issues = KEYS[2]
	local mode = ARGV[1]
	local version = tonumber(ARGV[2])
	local data = ARGV[3]
	local member = ARGV[4]
	local subPrefix = ARGV[5]
	local subRef = ARGV[6]
	local issue = ARGV[7]
	local ttl = tonumber(ARGV[8])

	local cur = redis.call('HGET', key, 'version')
	local newVersion = version
	if mode == 'create' then
		if cur then
			return {-2, tonumber(cur)}
		end
	elseif mode == 'cas' then
		if not cur then
			return {-1, 0}
		end
		if tonumber(cur) ~= version then
			return {0, tonumber(cur)}
		end
		newVersion = version + 1
	else
		if cur and tonumber(cur) > version then
			return {2, tonumber(cur)}
		end
	end

	local oldRef = redis.call('HGET', key, 'subref')
	if oldRef and oldRef ~= '' and oldRef ~= subRef then
		if redis.call('GET', subPrefix .. oldRef) == member then
			redis.call('DEL', subPrefix .. oldRef)
		end
	end
	if subRef ~= '' then
		redis.call('SET', subPrefix .. subRef, member)
	end

	if issue ~= '' then
		redis.call('ZADD', issues, tonumber(issue), member)
	else
		redis.call('ZREM', issues, member)
	end

	redis.call('HSET', key, 'data', data, 'version', newVersion, 'subref', subRef)
	if ttl > 0 then
		redis.call('EXPIRE', key, ttl)
	end
	return {1, newVersion}
`

func (s *Storage) principalKey(ref goentitle.PrincipalRef) string {
	return fmt.Sprintf("%sprincipal:%s:%s", s.config.KeyPrefix, ref.Kind, ref.ID)
}

func (s *Storage) subscriptionIndexPrefix() string {
	return s.config.KeyPrefix + "subref:"
}

func (s *Storage) paymentIssuesKey() string {
	return s.config.KeyPrefix + "payment_issues"
}

func (s *Storage) recordsKey(organizationID string) string {
	return fmt.Sprintf("%srecords:%s", s.config.KeyPrefix, organizationID)
}

func member(ref goentitle.PrincipalRef) string {
	return string(ref.Kind) + ":" + ref.ID
}

func parseMember(m string) (goentitle.PrincipalRef, bool) {
	kind, id, ok := strings.Cut(m, ":")
	if !ok {
		return goentitle.PrincipalRef{}, false
	}
	k, err := goentitle.ParsePrincipalKind(kind)
	if err != nil || id == "" {
		return goentitle.PrincipalRef{}, false
	}
	return goentitle.PrincipalRef{Kind: k, ID: id}, true
}

// runSave executes saveScript for p in the given mode.
func (s *Storage) runSave(ctx context.Context, mode string, version int64, p *goentitle.Principal) (code, stored int64, err error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal principal: %w", err)
	}
	issue := ""
	if p.Entitlement.IsEntitled && p.Entitlement.PaymentIssueSince != nil {
		issue = strconv.FormatInt(p.Entitlement.PaymentIssueSince.UnixMilli(), 10)
	}

	res, err := s.save.Run(ctx, s.client,
		[]string{s.principalKey(p.Ref()), s.paymentIssuesKey()},
		mode, version, string(data), member(p.Ref()), s.subscriptionIndexPrefix(),
		p.Entitlement.BillingSubscriptionRef, issue, int64(s.config.PrincipalTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, 0, unavailable("save principal", err)
	}
	if len(res) != 2 {
		return 0, 0, unavailable("save principal", fmt.Errorf("unexpected script result %v", res))
	}
	return res[0], res[1], nil
}

// GetPrincipal implements goentitle.Store
func (s *Storage) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	vals, err := s.client.HMGet(ctx, s.principalKey(ref), "data", "version").Result()
	if err != nil {
		return nil, unavailable("get principal", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, goentitle.ErrPrincipalNotFound
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, unavailable("get principal", fmt.Errorf("invalid data format"))
	}

	var p goentitle.Principal
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, unavailable("get principal", fmt.Errorf("failed to unmarshal principal: %w", err))
	}
	if v, ok := vals[1].(string); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.Version = n
		}
	}
	return &p, nil
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

	code, _, err := s.runSave(ctx, "create", 1, stored)
	if err != nil {
		return err
	}
	if code == saveExists {
		return fmt.Errorf("%w: %s", goentitle.ErrPrincipalExists, p.Ref())
	}
	return nil
}

// WriteEntitlement implements goentitle.Store
func (s *Storage) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	cur, err := s.GetPrincipal(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cur.Version != w.ExpectedVersion {
		return nil, conflict(ref, cur.Version, w.ExpectedVersion)
	}

	next := cur.Clone()
	next.Entitlement = w.Entitlement.Clone()
	if w.OrgStatus != "" && next.Org != nil {
		next.Org.Status = w.OrgStatus
	}
	next.Version = w.ExpectedVersion + 1
	next.UpdatedAt = s.now()

	code, stored, err := s.runSave(ctx, "cas", w.ExpectedVersion, next)
	if err != nil {
		return nil, err
	}
	switch code {
	case saveMissing:
		return nil, goentitle.ErrPrincipalNotFound
	case saveConflict:
		return nil, conflict(ref, stored, w.ExpectedVersion)
	}
	return next, nil
}

// FindBySubscriptionRef implements goentitle.Store
func (s *Storage) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	if subscriptionRef == "" {
		return nil, goentitle.ErrPrincipalNotFound
	}
	m, err := s.client.Get(ctx, s.subscriptionIndexPrefix()+subscriptionRef).Result()
	if err == redis.Nil {
		return nil, goentitle.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, unavailable("find by subscription ref", err)
	}
	ref, ok := parseMember(m)
	if !ok {
		return nil, goentitle.ErrPrincipalNotFound
	}
	p, err := s.GetPrincipal(ctx, ref)
	if err != nil {
		return nil, err
	}
	// The index can outlive an expired or invalidated principal.
	if p.Entitlement.BillingSubscriptionRef != subscriptionRef {
		return nil, goentitle.ErrPrincipalNotFound
	}
	return p, nil
}

// PutPrincipal implements goentitle.PrincipalCache
func (s *Storage) PutPrincipal(ctx context.Context, p *goentitle.Principal) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, _, err := s.runSave(ctx, "put", p.Version, p)
	return err
}

// InvalidatePrincipal implements goentitle.PrincipalCache
func (s *Storage) InvalidatePrincipal(ctx context.Context, ref goentitle.PrincipalRef) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.principalKey(ref))
	pipe.ZRem(ctx, s.paymentIssuesKey(), member(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("invalidate principal", err)
	}
	return nil
}

// UpsertSubscriptionRecord implements goentitle.Store. Records of one
// organization live in a single hash updated under WATCH.
func (s *Storage) UpsertSubscriptionRecord(ctx context.Context, organizationID string,
	fields goentitle.SubscriptionRecordFields) (*goentitle.SubscriptionRecord, error) {
	if organizationID == "" || fields.BillingSubscriptionRef == "" {
		return nil, fmt.Errorf("%w: organization and subscription reference are required", goentitle.ErrInvalidPrincipalID)
	}
	if fields.Now.IsZero() {
		fields.Now = s.now()
	}
	key := s.recordsKey(organizationID)

	var out *goentitle.SubscriptionRecord
	txf := func(tx *redis.Tx) error {
		recs, err := readRecords(ctx, tx, key)
		if err != nil {
			return err
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
		var writes []goentitle.SubscriptionRecord
		switch change.Action {
		case goentitle.RecordActionNone:
			out = change.Target
			return nil
		case goentitle.RecordActionUpdate:
			writes = append(writes, goentitle.ApplyRecordUpdate(*active, fields))
		case goentitle.RecordActionClose:
			end := fields.Now
			if fields.EndDate != nil {
				end = *fields.EndDate
			}
			writes = append(writes, goentitle.CloseRecord(*active, end, fields.Now))
		case goentitle.RecordActionSupersede, goentitle.RecordActionAppend:
			if change.Action == goentitle.RecordActionSupersede {
				writes = append(writes, goentitle.CloseRecord(*active, fields.Now, fields.Now))
			}
			id := fields.ID
			if id == "" {
				id = ids.NewAt(fields.Now)
			}
			writes = append(writes, goentitle.BuildRecord(organizationID, fields, id))
		}

		values := make([]interface{}, 0, 2*len(writes))
		for _, rec := range writes {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal subscription record: %w", err)
			}
			values = append(values, rec.ID, string(data))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values...)
			return nil
		})
		if err != nil {
			return err
		}
		last := writes[len(writes)-1]
		out = &last
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, goentitle.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, unavailable("upsert subscription record", err)
	}
	return nil, unavailable("upsert subscription record", fmt.Errorf("too many concurrent updates for %s", organizationID))
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readRecords(ctx context.Context, c hashReader, key string) ([]goentitle.SubscriptionRecord, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("list subscription records", err)
	}
	recs := make([]goentitle.SubscriptionRecord, 0, len(vals))
	for _, data := range vals {
		var rec goentitle.SubscriptionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, unavailable("list subscription records", fmt.Errorf("failed to unmarshal record: %w", err))
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// ListSubscriptionRecords implements goentitle.Store
func (s *Storage) ListSubscriptionRecords(ctx context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	recs, err := readRecords(ctx, s.client, s.recordsKey(organizationID))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// ListPaymentIssues implements goentitle.Store
func (s *Storage) ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(since.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := s.client.ZRangeByScore(ctx, s.paymentIssuesKey(), opt).Result()
	if err != nil {
		return nil, unavailable("list payment issues", err)
	}

	out := make([]goentitle.Principal, 0, len(members))
	for _, m := range members {
		ref, ok := parseMember(m)
		if !ok {
			continue
		}
		p, err := s.GetPrincipal(ctx, ref)
		if errors.Is(err, goentitle.ErrPrincipalNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.Entitlement.IsEntitled && p.Entitlement.PaymentIssueSince != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func conflict(ref goentitle.PrincipalRef, stored, expected int64) error {
	return fmt.Errorf("%w: %s at version %d, expected %d", goentitle.ErrVersionConflict, ref, stored, expected)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", goentitle.ErrStoreUnavailable, op, err)
}

var (
	_ goentitle.Store          = (*Storage)(nil)
	_ goentitle.PrincipalCache = (*Storage)(nil)
)
