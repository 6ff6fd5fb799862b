package database

import (
	"context"
	"testing"

	"storesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictedItem(t *testing.T, db *DB, entityID string) (*models.SyncQueueItem, *models.ConflictRecord) {
	t.Helper()
	ctx := context.Background()

	item := testItem("campaign", entityID, 1, models.PriorityNormal)
	require.NoError(t, db.Enqueue(ctx, item))
	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	record := &models.ConflictRecord{
		EntityType:    item.EntityType,
		EntityID:      item.EntityID,
		LocalVersion:  1,
		RemoteVersion: 2,
		LocalPayload:  `{"name":"local"}`,
		RemotePayload: `{"name":"remote"}`,
		Resolution:    models.StrategyManualReview,
	}
	require.NoError(t, db.MarkConflict(ctx, item.ID, record))
	return item, record
}

func TestMarkConflict(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item, record := conflictedItem(t, db, "c-1")
	assert.NotZero(t, record.ID)
	assert.Equal(t, item.ID, record.ItemID)

	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, got.Status)

	// Parked items are excluded from claims.
	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	open, err := db.ListConflicts(ctx, models.ConflictOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].NeedsReview())

	n, err := db.CountOpenConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveConflictLocalWins(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item, record := conflictedItem(t, db, "c-1")

	merged := `{"name":"merged"}`
	require.NoError(t, db.ResolveConflict(ctx, record.ID, models.StrategyAutoMerged, &merged))

	// The item returns to the dispatch path with the resolved payload.
	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, merged, got.Payload)

	resolved, err := db.GetConflict(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictResolved, resolved.Status)
	assert.Equal(t, models.StrategyAutoMerged, resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	// Already resolved: a second resolution is rejected.
	require.ErrorIs(t, db.ResolveConflict(ctx, record.ID, models.StrategyAutoMerged, nil), ErrNotFound)
}

func TestResolveConflictRemoteWins(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item, record := conflictedItem(t, db, "c-2")
	require.NoError(t, db.ResolveConflict(ctx, record.ID, models.StrategyLastWriteWinsRemote, nil))

	// Local change discarded: item cancelled, nothing left to dispatch.
	got, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
