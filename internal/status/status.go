package status

import (
	"context"
	"fmt"
	"time"

	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/models"
	"storesync/internal/monitor"

	"github.com/rs/zerolog"
)

// SyncController is the slice of the dispatcher the aggregator delegates
// operator actions to.
type SyncController interface {
	TriggerSync() error
}

// Dashboard is the read-side snapshot served to the UI and the admin
// API. Building it never mutates queue state.
type Dashboard struct {
	ConnectionState   string                  `json:"connection_state"`
	ConnectionSince   time.Time               `json:"connection_since"`
	Health            string                  `json:"health"`
	QueueByStatus     map[string]int          `json:"queue_by_status"`
	PendingByPriority map[string]int          `json:"pending_by_priority"`
	OpenConflicts     int                     `json:"open_conflicts"`
	LastCompletedAt   *time.Time              `json:"last_completed_at,omitempty"`
	RecentErrors      []models.SyncQueueItem  `json:"recent_errors"`
	GeneratedAt       time.Time               `json:"generated_at"`
}

// snapshot holds everything the health rules look at, gathered in one
// pass so the computation itself is pure and testable.
type snapshot struct {
	state            models.ConnectionState
	stateSince       time.Time
	pending          int
	failed           int
	conflicts        int
	criticalExceeded int
	lastCompletedAt  *time.Time
}

// Aggregator computes dashboard snapshots from the queue store and the
// connection monitor.
type Aggregator struct {
	db            *database.DB
	monitor       *monitor.Monitor
	sync          SyncController
	cfg           config.HealthConfig
	escalateAfter int
	logger        zerolog.Logger
}

func New(db *database.DB, mon *monitor.Monitor, sync SyncController, cfg config.HealthConfig, escalateAfter int, logger *zerolog.Logger) *Aggregator {
	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "status").Logger()
	} else {
		l = zerolog.Nop()
	}
	return &Aggregator{
		db:            db,
		monitor:       mon,
		sync:          sync,
		cfg:           cfg,
		escalateAfter: escalateAfter,
		logger:        l,
	}
}

// Dashboard builds the full snapshot.
func (a *Aggregator) Dashboard(ctx context.Context) (*Dashboard, error) {
	snap, counts, err := a.gather(ctx)
	if err != nil {
		return nil, err
	}

	byPriority, err := a.db.PendingByPriority(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	recent, err := a.db.RecentErrors(ctx, a.cfg.RecentErrors)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	return &Dashboard{
		ConnectionState:   string(snap.state),
		ConnectionSince:   snap.stateSince,
		Health:            evaluate(snap, a.cfg, time.Now()),
		QueueByStatus:     counts,
		PendingByPriority: byPriority,
		OpenConflicts:     snap.conflicts,
		LastCompletedAt:   snap.lastCompletedAt,
		RecentErrors:      recent,
		GeneratedAt:       time.Now(),
	}, nil
}

// Health computes only the health level.
func (a *Aggregator) Health(ctx context.Context) (string, error) {
	snap, _, err := a.gather(ctx)
	if err != nil {
		return "", err
	}
	return evaluate(snap, a.cfg, time.Now()), nil
}

// TriggerManualSync requests an immediate dispatch cycle.
func (a *Aggregator) TriggerManualSync() error {
	a.logger.Info().Msg("manual sync requested")
	return a.sync.TriggerSync()
}

// RetryFailed returns one parked item to the dispatch path.
func (a *Aggregator) RetryFailed(ctx context.Context, itemID string) error {
	a.logger.Info().Str("item_id", itemID).Msg("manual retry requested")
	if err := a.db.RetryFailed(ctx, itemID); err != nil {
		return err
	}
	// Best effort: if we are connected, pick it up right away.
	_ = a.sync.TriggerSync()
	return nil
}

// RetryAllFailed returns every parked item to the dispatch path.
func (a *Aggregator) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := a.db.RetryAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	a.logger.Info().Int64("count", n).Msg("retrying all failed items")
	if n > 0 {
		_ = a.sync.TriggerSync()
	}
	return n, nil
}

// CancelPending cancels a pending or failed item.
func (a *Aggregator) CancelPending(ctx context.Context, itemID string) error {
	a.logger.Info().Str("item_id", itemID).Msg("cancel requested")
	return a.db.Cancel(ctx, itemID)
}

func (a *Aggregator) gather(ctx context.Context) (snapshot, map[string]int, error) {
	counts, err := a.db.CountByStatus(ctx)
	if err != nil {
		return snapshot{}, nil, fmt.Errorf("health: %w", err)
	}
	conflicts, err := a.db.CountOpenConflicts(ctx)
	if err != nil {
		return snapshot{}, nil, fmt.Errorf("health: %w", err)
	}
	criticalExceeded, err := a.db.CountCriticalExceeded(ctx, a.escalateAfter)
	if err != nil {
		return snapshot{}, nil, fmt.Errorf("health: %w", err)
	}
	lastCompleted, err := a.db.LastCompletedAt(ctx)
	if err != nil {
		return snapshot{}, nil, fmt.Errorf("health: %w", err)
	}

	state, since := a.monitor.StateSince()
	return snapshot{
		state:            state,
		stateSince:       since,
		pending:          counts[models.StatusPending],
		failed:           counts[models.StatusFailed],
		conflicts:        conflicts,
		criticalExceeded: criticalExceeded,
		lastCompletedAt:  lastCompleted,
	}, counts, nil
}

// evaluate applies the health rules, most severe first, so the result
// is deterministic for any snapshot.
func evaluate(s snapshot, cfg config.HealthConfig, now time.Time) string {
	maxDisconnected := time.Duration(cfg.MaxDisconnected) * time.Second
	freshness := time.Duration(cfg.FreshnessWindow) * time.Second

	disconnected := s.state == models.ConnOffline || s.state == models.ConnError
	if s.criticalExceeded > 0 {
		return models.HealthCritical
	}
	if disconnected && now.Sub(s.stateSince) > maxDisconnected {
		return models.HealthCritical
	}

	if s.failed > 0 || s.pending > cfg.PendingHighWater {
		return models.HealthDegraded
	}

	// Свежесть имеет смысл только при наличии работы и связи: пустая
	// очередь в офлайне — нормальное состояние терминала ночью.
	stale := false
	if s.pending > 0 && !disconnected {
		stale = s.lastCompletedAt == nil || now.Sub(*s.lastCompletedAt) > freshness
	}

	if s.conflicts > 0 || stale || s.pending >= cfg.PendingLowWater {
		return models.HealthWarning
	}
	if s.pending > 0 && disconnected {
		return models.HealthWarning
	}
	return models.HealthHealthy
}
