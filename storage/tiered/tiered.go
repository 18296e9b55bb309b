// Package tiered provides a Hot/Cold tiered storage adapter: a fast principal
// cache (Hot) in front of the durable entitlement store (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Cache is the hot tier: it serves principal reads and accepts snapshots
// written to Cold. storage/memory and storage/redis implement it.
type Cache interface {
	GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error)
	goentitle.PrincipalCache
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) for per-request principal reads
	Hot Cache

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold goentitle.Store

	// AsyncHotSync fills Hot from a background worker after Cold reads and
	// writes. If false, Hot is filled before the call returns.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements goentitle.Store over a Hot cache and a Cold store.
//   - Read-Through: GetPrincipal (Hot → Cold → fill Hot)
//   - Write-Through: CreatePrincipal, WriteEntitlement (Cold → Hot)
//   - Cold-Only: subscription lookups, records and payment-issue scans
//
// A version conflict in Cold evicts the Hot copy so the caller's retry reads
// the current version.
type Storage struct {
	hot  Cache
	cold goentitle.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop. Jobs run in order so
// a later snapshot of a principal is never overwritten by an earlier one.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// toHot runs a Hot update inline or on the worker. A full queue drops the
// update; Hot then serves the older version until the next write or eviction.
func (s *Storage) toHot(job func(ctx context.Context) error) {
	if !s.conf.AsyncHotSync {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.report(job(ctx))
		return
	}
	run := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return job(ctx)
	}
	select {
	case s.syncQueue <- run:
	default:
		s.report(errors.New("sync queue full, hot update dropped"))
	}
}

func (s *Storage) fill(p *goentitle.Principal) {
	snapshot := p.Clone()
	s.toHot(func(ctx context.Context) error {
		return s.hot.PutPrincipal(ctx, snapshot)
	})
}

func (s *Storage) evict(ref goentitle.PrincipalRef) {
	s.toHot(func(ctx context.Context) error {
		return s.hot.InvalidatePrincipal(ctx, ref)
	})
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetPrincipal implements goentitle.Store with read-through strategy.
func (s *Storage) GetPrincipal(ctx context.Context, ref goentitle.PrincipalRef) (*goentitle.Principal, error) {
	p, err := s.hot.GetPrincipal(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, goentitle.ErrPrincipalNotFound) {
		s.report(fmt.Errorf("hot read %s: %w", ref, err))
	}

	p, err = s.cold.GetPrincipal(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.fill(p)
	return p, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// CreatePrincipal implements goentitle.Store with write-through strategy.
func (s *Storage) CreatePrincipal(ctx context.Context, p *goentitle.Principal) error {
	if err := s.cold.CreatePrincipal(ctx, p); err != nil {
		return err
	}
	// Cold assigns timestamps and the version; Hot is filled on first read.
	s.evict(p.Ref())
	return nil
}

// WriteEntitlement implements goentitle.Store with write-through strategy.
func (s *Storage) WriteEntitlement(ctx context.Context, ref goentitle.PrincipalRef,
	w goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	p, err := s.cold.WriteEntitlement(ctx, ref, w)
	if err != nil {
		if errors.Is(err, goentitle.ErrVersionConflict) || errors.Is(err, goentitle.ErrPrincipalNotFound) {
			s.evict(ref)
		}
		return nil, err
	}
	s.fill(p)
	return p, nil
}

// --- Strategy: Cold-Only ---

// FindBySubscriptionRef implements goentitle.Store.
func (s *Storage) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*goentitle.Principal, error) {
	return s.cold.FindBySubscriptionRef(ctx, subscriptionRef)
}

// UpsertSubscriptionRecord implements goentitle.Store.
func (s *Storage) UpsertSubscriptionRecord(ctx context.Context, organizationID string,
	fields goentitle.SubscriptionRecordFields) (*goentitle.SubscriptionRecord, error) {
	return s.cold.UpsertSubscriptionRecord(ctx, organizationID, fields)
}

// ListSubscriptionRecords implements goentitle.Store.
func (s *Storage) ListSubscriptionRecords(ctx context.Context, organizationID string) ([]goentitle.SubscriptionRecord, error) {
	return s.cold.ListSubscriptionRecords(ctx, organizationID)
}

// ListPaymentIssues implements goentitle.Store.
func (s *Storage) ListPaymentIssues(ctx context.Context, since time.Time, limit int) ([]goentitle.Principal, error) {
	return s.cold.ListPaymentIssues(ctx, since, limit)
}

var _ goentitle.Store = (*Storage)(nil)
