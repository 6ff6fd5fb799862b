package status

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/models"
	"storesync/internal/monitor"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		FreshnessWindow:  300,
		PendingLowWater:  25,
		PendingHighWater: 200,
		MaxDisconnected:  1800,
		RecentErrors:     10,
	}
}

func TestEvaluateHealthMatrix(t *testing.T) {
	cfg := testHealthConfig()
	now := time.Now()
	fresh := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	cases := []struct {
		name string
		snap snapshot
		want string
	}{
		{
			name: "empty queue online",
			snap: snapshot{state: models.ConnOnline, stateSince: now},
			want: models.HealthHealthy,
		},
		{
			name: "few pending with fresh sync",
			snap: snapshot{state: models.ConnOnline, stateSince: now, pending: 5, lastCompletedAt: &fresh},
			want: models.HealthHealthy,
		},
		{
			name: "pending at low water",
			snap: snapshot{state: models.ConnOnline, stateSince: now, pending: 25, lastCompletedAt: &fresh},
			want: models.HealthWarning,
		},
		{
			name: "stale sync while online",
			snap: snapshot{state: models.ConnOnline, stateSince: now, pending: 5, lastCompletedAt: &stale},
			want: models.HealthWarning,
		},
		{
			name: "open conflicts",
			snap: snapshot{state: models.ConnOnline, stateSince: now, conflicts: 1},
			want: models.HealthWarning,
		},
		{
			name: "pending while briefly offline",
			snap: snapshot{state: models.ConnOffline, stateSince: now.Add(-time.Minute), pending: 5},
			want: models.HealthWarning,
		},
		{
			name: "failed items",
			snap: snapshot{state: models.ConnOnline, stateSince: now, failed: 3, lastCompletedAt: &fresh},
			want: models.HealthDegraded,
		},
		{
			name: "pending above high water",
			snap: snapshot{state: models.ConnOnline, stateSince: now, pending: 201, lastCompletedAt: &fresh},
			want: models.HealthDegraded,
		},
		{
			name: "critical item over escalation threshold",
			snap: snapshot{state: models.ConnOnline, stateSince: now, criticalExceeded: 1},
			want: models.HealthCritical,
		},
		{
			name: "offline beyond maximum",
			snap: snapshot{state: models.ConnOffline, stateSince: now.Add(-time.Hour)},
			want: models.HealthCritical,
		},
		{
			name: "error state beyond maximum",
			snap: snapshot{state: models.ConnError, stateSince: now.Add(-time.Hour)},
			want: models.HealthCritical,
		},
		{
			name: "critical outranks degraded",
			snap: snapshot{state: models.ConnOnline, stateSince: now, failed: 10, criticalExceeded: 2},
			want: models.HealthCritical,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluate(tc.snap, cfg, now))
		})
	}
}

type okChecker struct{}

func (okChecker) Health(ctx context.Context) error { return nil }

type fakeSync struct {
	triggered int
	err       error
}

func (f *fakeSync) TriggerSync() error {
	f.triggered++
	return f.err
}

func setupAggregator(t *testing.T) (*Aggregator, *database.DB, *fakeSync) {
	t.Helper()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mon := monitor.New(okChecker{}, nil, config.MonitorConfig{ProbeInterval: 15, ProbeTimeout: 1, ErrorStreak: 3}, nil)
	require.True(t, mon.Probe(context.Background()))

	sync := &fakeSync{}
	agg := New(db, mon, sync, testHealthConfig(), 3, &logger)
	return agg, db, sync
}

func enqueue(t *testing.T, db *database.DB, entityID string, priority models.Priority) *models.SyncQueueItem {
	t.Helper()
	item := &models.SyncQueueItem{
		EntityType:    "receipt",
		EntityID:      entityID,
		Operation:     models.OperationCreate,
		Payload:       `{}`,
		Priority:      priority,
		OriginStoreID: "store-1",
		LocalVersion:  1,
	}
	require.NoError(t, db.Enqueue(context.Background(), item))
	return item
}

func TestDashboardSnapshot(t *testing.T) {
	agg, db, _ := setupAggregator(t)
	ctx := context.Background()

	enqueue(t, db, "r-1", models.PriorityNormal)
	critical := enqueue(t, db, "r-2", models.PriorityCritical)
	enqueue(t, db, "r-3", models.PriorityNormal)

	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, critical.ID, claimed[0].ID)

	dash, err := agg.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(models.ConnOnline), dash.ConnectionState)
	assert.Equal(t, 2, dash.QueueByStatus[models.StatusPending])
	assert.Equal(t, 1, dash.QueueByStatus[models.StatusInFlight])
	assert.Equal(t, 2, dash.PendingByPriority["normal"])
	assert.False(t, dash.GeneratedAt.IsZero())
}

func TestDashboardRecentErrorsAndHealth(t *testing.T) {
	agg, db, _ := setupAggregator(t)
	ctx := context.Background()

	enqueue(t, db, "r-1", models.PriorityNormal)
	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, db.MarkFailed(ctx, claimed[0].ID, "validation failed", nil))

	dash, err := agg.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, dash.Health)
	require.Len(t, dash.RecentErrors, 1)
	require.NotNil(t, dash.RecentErrors[0].LastError)
	assert.Equal(t, "validation failed", *dash.RecentErrors[0].LastError)

	health, err := agg.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthDegraded, health)
}

func TestRetryFailedDelegates(t *testing.T) {
	agg, db, sync := setupAggregator(t)
	ctx := context.Background()

	item := enqueue(t, db, "r-1", models.PriorityNormal)
	claimed, err := db.DequeueReady(ctx, models.PriorityLow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, db.MarkFailed(ctx, item.ID, "boom", nil))

	require.NoError(t, agg.RetryFailed(ctx, item.ID))
	assert.Equal(t, 1, sync.triggered)

	stored, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	// Retrying a non-existent item surfaces the store error.
	require.ErrorIs(t, agg.RetryFailed(ctx, "missing"), database.ErrNotFound)
}

func TestRetryAllFailed(t *testing.T) {
	agg, db, sync := setupAggregator(t)
	ctx := context.Background()

	for _, id := range []string{"r-1", "r-2"} {
		item := enqueue(t, db, id, models.PriorityNormal)
		claimed, err := db.DequeueReady(ctx, models.PriorityLow, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, db.MarkFailed(ctx, item.ID, "boom", nil))
	}

	n, err := agg.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, sync.triggered)
}

func TestTriggerManualSyncPropagatesError(t *testing.T) {
	agg, _, sync := setupAggregator(t)
	sync.err = errors.New("not connected")
	require.Error(t, agg.TriggerManualSync())
}

func TestCancelPending(t *testing.T) {
	agg, db, _ := setupAggregator(t)
	ctx := context.Background()

	item := enqueue(t, db, "r-1", models.PriorityNormal)
	require.NoError(t, agg.CancelPending(ctx, item.ID))

	stored, err := db.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}
