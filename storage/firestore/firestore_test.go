package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const testProjectID = "test-project"

// setupTestStorage connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and uses collections unique to the test.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		IndividualsCollection:   "test_ind_" + suffix,
		OrganizationsCollection: "test_org_" + suffix,
	})
	require.NoError(t, err)
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestPrincipalData_RoundTrip(t *testing.T) {
	ends := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	p := goentitle.NewOrganization("org1", "owner", "free")
	p.Version = 4
	p.Entitlement.IsEntitled = true
	p.Entitlement.BillingSubscriptionRef = "sub_1"
	p.Entitlement.EntitlementEndsAt = &ends
	p.Org.Status = goentitle.OrgStatusActive

	got := principalFromData(p.Ref(), principalData(p))
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "sub_1", got.Entitlement.BillingSubscriptionRef)
	assert.True(t, got.Entitlement.IsEntitled)
	require.NotNil(t, got.Entitlement.EntitlementEndsAt)
	assert.True(t, ends.Equal(*got.Entitlement.EntitlementEndsAt))
	assert.Nil(t, got.Entitlement.PaymentIssueSince)
	require.NotNil(t, got.Org)
	assert.Equal(t, "owner", got.Org.OwnerPrincipalID)
	assert.Equal(t, goentitle.OrgStatusActive, got.Org.Status)

	ind := principalFromData(goentitle.Individual("u1"), principalData(goentitle.NewIndividual("u1", "free")))
	assert.Nil(t, ind.Org)
}

func TestGetInt64_NumericTypes(t *testing.T) {
	data := map[string]interface{}{"a": 3, "b": int64(4), "c": 5.0, "d": "x"}
	assert.Equal(t, int64(3), getInt64(data, "a"))
	assert.Equal(t, int64(4), getInt64(data, "b"))
	assert.Equal(t, int64(5), getInt64(data, "c"))
	assert.Equal(t, int64(0), getInt64(data, "d"))
}

func TestStoreErr(t *testing.T) {
	assert.ErrorIs(t, storeErr("op", goentitle.ErrVersionConflict), goentitle.ErrVersionConflict)
	assert.ErrorIs(t, storeErr("op", status.Error(codes.NotFound, "gone")), goentitle.ErrPrincipalNotFound)

	err := storeErr("op", status.Error(codes.Unavailable, "down"))
	assert.ErrorIs(t, err, goentitle.ErrStoreUnavailable)
	assert.False(t, errors.Is(err, goentitle.ErrPrincipalNotFound))
}

func TestFirestore_CreateAndGet(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetPrincipal(ctx, goentitle.Individual("user1"))
	assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound)

	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free")))
	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewOrganization("user1", "owner", "free")))
	err = storage.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free"))
	assert.ErrorIs(t, err, goentitle.ErrPrincipalExists)

	org, err := storage.GetPrincipal(ctx, goentitle.Organization("user1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), org.Version)
	assert.Equal(t, goentitle.OrgStatusPending, org.Org.Status)
}

func TestFirestore_WriteEntitlement(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	ref := goentitle.Organization("org1")
	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewOrganization("org1", "owner", "free")))

	updated, err := storage.WriteEntitlement(ctx, ref, goentitle.EntitlementWrite{
		Entitlement:     goentitle.Entitlement{IsEntitled: true, BillingSubscriptionRef: "sub_1", PlanTier: "business"},
		OrgStatus:       goentitle.OrgStatusActive,
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = storage.WriteEntitlement(ctx, ref, goentitle.EntitlementWrite{ExpectedVersion: 1})
	assert.ErrorIs(t, err, goentitle.ErrVersionConflict)

	_, err = storage.WriteEntitlement(ctx, goentitle.Organization("missing"), goentitle.EntitlementWrite{ExpectedVersion: 1})
	assert.ErrorIs(t, err, goentitle.ErrPrincipalNotFound)

	holder, err := storage.FindBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, ref, holder.Ref())
	assert.Equal(t, goentitle.OrgStatusActive, holder.Org.Status)
}

func TestFirestore_ConcurrentWritesSingleWinner(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	ref := goentitle.Individual("user1")
	require.NoError(t, storage.CreatePrincipal(ctx, goentitle.NewIndividual("user1", "free")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.WriteEntitlement(ctx, ref, goentitle.EntitlementWrite{
				Entitlement:     goentitle.Entitlement{IsEntitled: true},
				ExpectedVersion: 1,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestFirestore_SubscriptionRecords(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := storage.UpsertSubscriptionRecord(ctx, "org1", goentitle.SubscriptionRecordFields{
		OwnerPrincipalID: "owner", BillingSubscriptionRef: "sub_1", Status: goentitle.RecordActive, Now: t0,
	})
	require.NoError(t, err)
	again, err := storage.UpsertSubscriptionRecord(ctx, "org1", goentitle.SubscriptionRecordFields{
		BillingSubscriptionRef: "sub_1", Status: goentitle.RecordActive, Now: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = storage.UpsertSubscriptionRecord(ctx, "org1", goentitle.SubscriptionRecordFields{
		OwnerPrincipalID: "owner", BillingSubscriptionRef: "sub_2", Status: goentitle.RecordActive, Now: t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)

	recs, err := storage.ListSubscriptionRecords(ctx, "org1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "sub_2", recs[0].BillingSubscriptionRef)
	assert.Equal(t, goentitle.RecordActive, recs[0].Status)
	assert.Equal(t, goentitle.RecordCancelled, recs[1].Status)
}
