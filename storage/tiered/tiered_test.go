package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncHotSync: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})
}

func seedCold(t *testing.T, cold *memory.Storage, p *goentitle.Principal) {
	t.Helper()
	require.NoError(t, cold.CreatePrincipal(context.Background(), p))
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetPrincipal_ReadThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("hot hit", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()

		p := goentitle.NewIndividual("user1", "pro")
		p.Version = 1
		require.NoError(t, hot.PutPrincipal(ctx, p))

		got, err := storage.GetPrincipal(ctx, p.Ref())
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Entitlement.PlanTier)

		_, err = cold.GetPrincipal(ctx, p.Ref())
		assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound)
	})

	t.Run("hot miss, cold hit fills hot", func(t *testing.T) {
		hot, cold := memory.New(), memory.New()
		storage, _ := New(Config{Hot: hot, Cold: cold})
		defer storage.Close()
		seedCold(t, cold, goentitle.NewIndividual("user1", "free"))

		got, err := storage.GetPrincipal(ctx, goentitle.Individual("user1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)

		cached, err := hot.GetPrincipal(ctx, goentitle.Individual("user1"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), cached.Version)
	})

	t.Run("both miss", func(t *testing.T) {
		storage, _ := New(Config{Hot: memory.New(), Cold: memory.New()})
		defer storage.Close()

		_, err := storage.GetPrincipal(ctx, goentitle.Individual("nobody"))
		assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound)
	})
}

// --- Write-Through Strategy Tests ---

func TestStorage_WriteEntitlement_WriteThrough(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free")))

	_, err := storage.GetPrincipal(ctx, goentitle.Individual("user1"))
	require.NoError(t, err)

	updated, err := storage.WriteEntitlement(ctx, goentitle.Individual("user1"), goentitle.EntitlementWrite{
		Entitlement:     goentitle.Entitlement{IsEntitled: true, PlanTier: "pro", BillingSubscriptionRef: "sub_1"},
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	cached, err := hot.GetPrincipal(ctx, goentitle.Individual("user1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), cached.Version)
	assert.True(t, cached.Entitlement.IsEntitled)
}

func TestStorage_ConflictEvictsStaleHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	ref := goentitle.Individual("user1")
	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free")))

	stale, err := storage.GetPrincipal(ctx, ref)
	require.NoError(t, err)

	// Another node writes Cold directly.
	_, err = cold.WriteEntitlement(ctx, ref, goentitle.EntitlementWrite{
		Entitlement:     goentitle.Entitlement{IsEntitled: true},
		ExpectedVersion: 1,
	})
	require.NoError(t, err)

	_, err = storage.WriteEntitlement(ctx, ref, goentitle.EntitlementWrite{ExpectedVersion: stale.Version})
	assert.ErrorIs(t, err, goentitle.ErrVersionConflict)

	fresh, err := storage.GetPrincipal(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Version)
	assert.True(t, fresh.Entitlement.IsEntitled)
}

type failingCold struct {
	*memory.Storage
	err error
}

func (f *failingCold) WriteEntitlement(context.Context, goentitle.PrincipalRef, goentitle.EntitlementWrite) (*goentitle.Principal, error) {
	return nil, f.err
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	ctx := context.Background()
	hot := memory.New()
	cold := &failingCold{Storage: memory.New(), err: goentitle.ErrStoreUnavailable}
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()
	require.NoError(t, cold.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free")))

	_, err := storage.WriteEntitlement(ctx, goentitle.Individual("user1"), goentitle.EntitlementWrite{
		Entitlement:     goentitle.Entitlement{IsEntitled: true},
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, goentitle.ErrStoreUnavailable)

	_, err = hot.GetPrincipal(ctx, goentitle.Individual("user1"))
	assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound, "hot must not see a write cold rejected")
}

// --- Cold-Only Strategy Tests ---

func TestStorage_ColdOnlyOperations(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	// A stale hot copy must not answer subscription lookups.
	p := goentitle.NewIndividual("user1", "free")
	p.Version = 9
	p.Entitlement.BillingSubscriptionRef = "sub_old"
	require.NoError(t, hot.PutPrincipal(ctx, p))

	_, err := storage.FindBySubscriptionRef(ctx, "sub_old")
	assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound)

	rec, err := storage.UpsertSubscriptionRecord(ctx, "org1", goentitle.SubscriptionRecordFields{
		BillingSubscriptionRef: "sub_1", Status: goentitle.RecordActive, OwnerPrincipalID: "owner",
	})
	require.NoError(t, err)
	recs, err := cold.ListSubscriptionRecords(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	issues, err := storage.ListPaymentIssues(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

// --- Async Tests ---

func TestStorage_AsyncHotSync(t *testing.T) {
	ctx := context.Background()
	hot, cold := memory.New(), memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncHotSync: true})
	seedCold(t, cold, goentitle.NewIndividual("user1", "free"))

	_, err := storage.GetPrincipal(ctx, goentitle.Individual("user1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := hot.GetPrincipal(ctx, goentitle.Individual("user1"))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.NoError(t, storage.Close())
	assert.NoError(t, storage.Close())
}

type failingHot struct {
	*memory.Storage
}

func (failingHot) PutPrincipal(context.Context, *goentitle.Principal) error {
	return errors.New("hot down")
}

func TestStorage_HotFailureReported(t *testing.T) {
	ctx := context.Background()
	cold := memory.New()
	var (
		mu   sync.Mutex
		errs []error
	)
	storage, _ := New(Config{
		Hot:  failingHot{Storage: memory.New()},
		Cold: cold,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	defer storage.Close()
	seedCold(t, cold, goentitle.NewIndividual("user1", "free"))

	got, err := storage.GetPrincipal(ctx, goentitle.Individual("user1"))
	require.NoError(t, err)
	assert.Equal(t, "user1", got.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "hot down")
}
