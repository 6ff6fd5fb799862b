package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"storesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testItem(entityType, entityID string, version int64, priority models.Priority) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     models.OperationUpdate,
		Payload:       `{"test": true}`,
		Priority:      priority,
		OriginStoreID: "store-1",
		LocalVersion:  version,
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := testItem("receipt", "r-1", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))
	require.NotEmpty(t, item.ID)
	assert.Equal(t, models.StatusPending, item.Status)

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, item.ID, claimed[0].ID)
	assert.Equal(t, models.StatusInFlight, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].AttemptCount)

	// A second claim must not return the in-flight item.
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestEnqueueValidation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.Enqueue(ctx, &models.SyncQueueItem{EntityType: "receipt"})
	require.ErrorIs(t, err, ErrPersistence)

	err = db.Enqueue(ctx, &models.SyncQueueItem{EntityType: "receipt", EntityID: "r-1"})
	require.ErrorIs(t, err, ErrPersistence)
}

func TestClaimPriorityOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, testItem("receipt", "r-1", 1, models.PriorityNormal)))
	require.NoError(t, db.Enqueue(ctx, testItem("receipt", "r-2", 1, models.PriorityLow)))
	critical := testItem("tax_report", "t-1", 1, models.PriorityCritical)
	require.NoError(t, db.Enqueue(ctx, critical))

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, critical.ID, claimed[0].ID)
	assert.Equal(t, models.PriorityNormal, claimed[1].Priority)
	assert.Equal(t, models.PriorityLow, claimed[2].Priority)
}

func TestClaimSingleInFlightPerEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Two queued versions for the same entity: only the lowest goes out.
	v1 := testItem("product", "p-1", 1, models.PriorityNormal)
	v2 := testItem("product", "p-1", 2, models.PriorityHigh)
	require.NoError(t, db.Enqueue(ctx, v1))
	require.NoError(t, db.Enqueue(ctx, v2))

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, v1.ID, claimed[0].ID, "lowest local version must be dispatched first")

	// While v1 is in flight, v2 stays pending.
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, db.MarkCompleted(ctx, v1.ID))
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, v2.ID, claimed[0].ID)
}

func TestConcurrentClaimNoDoubleDispatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		require.NoError(t, db.Enqueue(ctx, testItem("receipt", string(rune('a'+i%8))+"-ent", int64(i/8+1), models.PriorityNormal)))
	}

	var mu sync.Mutex
	claimedIDs := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				items, err := db.DequeueReady(ctx, models.PriorityLow, 5)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, it := range items {
					claimedIDs[it.ID]++
				}
				mu.Unlock()
				for _, it := range items {
					_ = db.MarkCompleted(ctx, it.ID)
				}
			}
		}()
	}
	wg.Wait()

	for id, n := range claimedIDs {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestMarkFailedBackoffAndTerminal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := testItem("receipt", "r-1", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Transient failure: back to pending with a future eligibility time.
	next := time.Now().Add(time.Hour)
	require.NoError(t, db.MarkFailed(ctx, item.ID, "timeout", &next))

	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout", *got.LastError)
	require.NotNil(t, got.NextEligibleAt)

	// Not claimable while the backoff timer runs.
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Elapsed backoff makes it claimable again.
	past := time.Now().Add(-time.Minute)
	_, err = db.ExecContext(ctx, `UPDATE sync_queue SET next_eligible_at = ? WHERE id = ?`, past, item.ID)
	require.NoError(t, err)
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].AttemptCount)

	// Rejected failure: terminal, not claimable.
	require.NoError(t, db.MarkFailed(ctx, item.ID, "validation error", nil))
	got, err = db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRetryFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := testItem("receipt", "r-1", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))
	_, err := db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.NoError(t, db.MarkFailed(ctx, item.ID, "rejected", nil))

	require.NoError(t, db.RetryFailed(ctx, item.ID))
	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.NextEligibleAt)

	// Retrying a pending item is a no-op error.
	require.ErrorIs(t, db.RetryFailed(ctx, item.ID), ErrNotFound)
}

func TestCancelOnlyPendingOrFailed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := testItem("receipt", "r-1", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))
	require.NoError(t, db.Cancel(ctx, item.ID))

	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Cancelled is immutable.
	require.ErrorIs(t, db.Cancel(ctx, item.ID), ErrNotFound)

	other := testItem("receipt", "r-2", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, other))
	_, err = db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.NoError(t, db.MarkCompleted(ctx, other.ID))
	require.ErrorIs(t, db.Cancel(ctx, other.ID), ErrNotFound)
}

func TestResetInFlight(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := testItem("receipt", "r-1", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))
	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Simulated process restart with a stuck in-flight item.
	n, err := db.ResetInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claimed, err = db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, item.ID, claimed[0].ID)
}

func TestAppliedVersions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	local, remote, err := db.AppliedVersion(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), local)
	assert.Equal(t, int64(0), remote)

	require.NoError(t, db.SetAppliedVersion(ctx, "product", "p-1", 3, 7))
	local, remote, err = db.AppliedVersion(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), local)
	assert.Equal(t, int64(7), remote)

	// High-water marks never regress.
	require.NoError(t, db.SetAppliedVersion(ctx, "product", "p-1", 2, 5))
	local, remote, err = db.AppliedVersion(ctx, "product", "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), local)
	assert.Equal(t, int64(7), remote)
}

func TestCountsAndRecentErrors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Enqueue(ctx, testItem("receipt", "r-1", 1, models.PriorityNormal)))
	require.NoError(t, db.Enqueue(ctx, testItem("receipt", "r-2", 1, models.PriorityCritical)))
	failing := testItem("receipt", "r-3", 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, failing))

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	for _, it := range claimed {
		if it.ID == failing.ID {
			require.NoError(t, db.MarkFailed(ctx, it.ID, "boom", nil))
		} else {
			require.NoError(t, db.MarkCompleted(ctx, it.ID))
		}
	}

	counts, err := db.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusCompleted])
	assert.Equal(t, 1, counts[models.StatusFailed])

	recent, err := db.RecentErrors(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, failing.ID, recent[0].ID)

	last, err := db.LastCompletedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, time.Now(), *last, time.Minute)

	exceeded, err := db.CountCriticalExceeded(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, exceeded, "completed critical items never count")
}
