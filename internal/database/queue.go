package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storesync/internal/models"

	"github.com/google/uuid"
)

const itemColumns = `id, entity_type, entity_id, operation, payload, priority, status, attempt_count,
              last_error, next_eligible_at, origin_store_id, local_version, created_at, updated_at, completed_at`

// Enqueue durably persists one operation. It must run synchronously
// within the same local transaction flow that commits the business
// mutation; a failure here has to fail that commit, so every error is
// wrapped in ErrPersistence.
func (db *DB) Enqueue(ctx context.Context, item *models.SyncQueueItem) error {
	if item.EntityType == "" || item.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrPersistence)
	}
	if item.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrPersistence)
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now()
	item.Status = models.StatusPending
	item.CreatedAt = now
	item.UpdatedAt = now

	query := `INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, priority, status, attempt_count,
              last_error, next_eligible_at, origin_store_id, local_version, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		item.ID,
		item.EntityType,
		item.EntityID,
		item.Operation,
		item.Payload,
		item.Priority,
		item.Status,
		item.OriginStoreID,
		item.LocalVersion,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrPersistence, err)
	}
	return nil
}

// DequeueReady claims up to limit pending items whose backoff has
// elapsed, ordered by (priority desc, created_at asc), and atomically
// flips them to in_flight so concurrent dispatcher invocations never
// double-claim. At most one item per (entity_type, entity_id) is
// claimed, always the lowest pending local_version for that entity.
func (db *DB) DequeueReady(ctx context.Context, minPriority models.Priority, limit int) ([]models.SyncQueueItem, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + itemColumns + `
              FROM sync_queue q
              WHERE q.status = 'pending'
                AND (q.next_eligible_at IS NULL OR q.next_eligible_at <= ?)
                AND q.priority >= ?
                AND NOT EXISTS (
                    SELECT 1 FROM sync_queue f
                    WHERE f.entity_type = q.entity_type
                      AND f.entity_id = q.entity_id
                      AND f.status = 'in_flight'
                )
              ORDER BY q.priority DESC, q.created_at ASC
              LIMIT ?`

	// Over-fetch so per-entity dedup below can still fill the batch.
	rows, err := tx.QueryContext(ctx, query, time.Now(), minPriority, limit*4)
	if err != nil {
		return nil, fmt.Errorf("select ready items: %w", err)
	}
	candidates, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	// Within one entity operations must go out in local_version order,
	// regardless of priority differences between its queued items.
	lowest := make(map[string]int, len(candidates))
	for i, item := range candidates {
		key := item.EntityType + "\x00" + item.EntityID
		if j, ok := lowest[key]; !ok || item.LocalVersion < candidates[j].LocalVersion {
			lowest[key] = i
		}
	}
	seen := make(map[string]bool, len(lowest))
	claimed := make([]models.SyncQueueItem, 0, limit)
	for i, item := range candidates {
		key := item.EntityType + "\x00" + item.EntityID
		if seen[key] || lowest[key] != i {
			continue
		}
		seen[key] = true
		claimed = append(claimed, item)
		if len(claimed) >= limit {
			break
		}
	}

	now := time.Now()
	for i := range claimed {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'in_flight', attempt_count = attempt_count + 1, updated_at = ?
             WHERE id = ? AND status = 'pending'`,
			now, claimed[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim item %s: %w", claimed[i].ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim item %s: %w", claimed[i].ID, err)
		}
		if affected != 1 {
			return nil, fmt.Errorf("claim item %s: already taken", claimed[i].ID)
		}
		claimed[i].Status = models.StatusInFlight
		claimed[i].AttemptCount++
		claimed[i].UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkInFlight flips a single pending item to in_flight outside the
// batch claim path (manual re-dispatch of one item).
func (db *DB) MarkInFlight(ctx context.Context, id string) error {
	return db.transition(ctx, id,
		`UPDATE sync_queue SET status = 'in_flight', attempt_count = attempt_count + 1, updated_at = ?
         WHERE id = ? AND status = 'pending'`)
}

// MarkCompleted finalizes an item. Completed items are immutable and
// retained for audit.
func (db *DB) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now()
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'completed', last_error = NULL, next_eligible_at = NULL,
             updated_at = ?, completed_at = ? WHERE id = ? AND status = 'in_flight'`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	return oneRow(res, id)
}

// MarkFailed records a failed push attempt. A non-nil nextEligibleAt
// returns the item to pending with a backoff timestamp; nil parks it as
// failed until an operator retries or cancels it.
func (db *DB) MarkFailed(ctx context.Context, id string, errMsg string, nextEligibleAt *time.Time) error {
	var res sql.Result
	var err error
	now := time.Now()
	if nextEligibleAt != nil {
		res, err = db.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'pending', last_error = ?, next_eligible_at = ?, updated_at = ?
             WHERE id = ? AND status = 'in_flight'`,
			errMsg, nextEligibleAt, now, id,
		)
	} else {
		res, err = db.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'failed', last_error = ?, next_eligible_at = NULL, updated_at = ?
             WHERE id = ? AND status = 'in_flight'`,
			errMsg, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return oneRow(res, id)
}

// MarkConflict parks the item and stores the conflict record in one
// transaction.
func (db *DB) MarkConflict(ctx context.Context, id string, record *models.ConflictRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin conflict tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'conflict', last_error = ?, next_eligible_at = NULL, updated_at = ?
         WHERE id = ? AND status = 'in_flight'`,
		"version conflict", now, id,
	)
	if err != nil {
		return fmt.Errorf("mark conflict %s: %w", id, err)
	}
	if err := oneRow(res, id); err != nil {
		return err
	}

	record.ItemID = id
	record.Status = models.ConflictOpen
	record.CreatedAt = now
	result, err := tx.ExecContext(ctx,
		`INSERT INTO conflict_records (item_id, entity_type, entity_id, local_version, remote_version,
             local_payload, remote_payload, resolution, resolved_payload, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ItemID, record.EntityType, record.EntityID, record.LocalVersion, record.RemoteVersion,
		record.LocalPayload, record.RemotePayload, record.Resolution, record.ResolvedPayload,
		record.Status, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conflict record: %w", err)
	}
	record.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("conflict record id: %w", err)
	}

	return tx.Commit()
}

// Cancel is allowed from pending or failed only. Cancelled items are
// immutable and retained for audit.
func (db *DB) Cancel(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'cancelled', next_eligible_at = NULL, updated_at = ?
         WHERE id = ? AND status IN ('pending', 'failed')`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return oneRow(res, id)
}

// RetryFailed returns one parked item to pending with cleared backoff.
func (db *DB) RetryFailed(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', next_eligible_at = NULL, updated_at = ?
         WHERE id = ? AND status = 'failed'`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("retry failed %s: %w", id, err)
	}
	return oneRow(res, id)
}

// RetryAllFailed returns every parked item to pending.
func (db *DB) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', next_eligible_at = NULL, updated_at = ?
         WHERE status = 'failed'`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("retry all failed: %w", err)
	}
	return res.RowsAffected()
}

// ResetInFlight returns items stranded in_flight by a prior process
// lifetime to pending. The outcome of their last push is unknown; the
// transport's idempotency-key contract makes re-dispatch safe.
func (db *DB) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	return res.RowsAffected()
}

// GetItem loads one queue item by id.
func (db *DB) GetItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	row := db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// CountByStatus returns queue depth per status.
func (db *DB) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PendingByPriority returns the pending backlog per priority for the
// dashboard.
func (db *DB) PendingByPriority(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM sync_queue WHERE status = 'pending' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("pending by priority: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var priority models.Priority
		var n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		counts[priority.String()] = n
	}
	return counts, rows.Err()
}

// RecentErrors returns the newest items that carry an error, for the
// dashboard error feed.
func (db *DB) RecentErrors(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM sync_queue
         WHERE last_error IS NOT NULL AND status IN ('pending', 'failed', 'conflict')
         ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	return scanItems(rows)
}

// ListByStatus returns items in a given status, newest first.
func (db *DB) ListByStatus(ctx context.Context, status string, limit int) ([]models.SyncQueueItem, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list by status %s: %w", status, err)
	}
	return scanItems(rows)
}

// LastCompletedAt returns the time of the most recent successful push,
// or nil when nothing has completed yet.
func (db *DB) LastCompletedAt(ctx context.Context) (*time.Time, error) {
	var completed sql.NullTime
	// MAX() strips the column's declared DATETIME type, so the sqlite3 driver
	// returns a raw string; ORDER BY/LIMIT is equivalent and keeps time parsing.
	err := db.QueryRowContext(ctx,
		`SELECT completed_at FROM sync_queue WHERE status = 'completed' ORDER BY completed_at DESC LIMIT 1`,
	).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed: %w", err)
	}
	if !completed.Valid {
		return nil, nil
	}
	return &completed.Time, nil
}

// CountCriticalExceeded counts critical-priority items that have burned
// through at least threshold attempts without completing.
func (db *DB) CountCriticalExceeded(ctx context.Context, threshold int) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue
         WHERE priority = ? AND attempt_count >= ? AND status NOT IN ('completed', 'cancelled')`,
		models.PriorityCritical, threshold,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count critical exceeded: %w", err)
	}
	return n, nil
}

// AppliedVersion returns the highest local version confirmed by central
// for the entity and the last known remote version. Both are 0 when the
// entity has never synced.
func (db *DB) AppliedVersion(ctx context.Context, entityType, entityID string) (local int64, remote int64, err error) {
	err = db.QueryRowContext(ctx,
		`SELECT applied_version, remote_version FROM applied_versions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&local, &remote)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("applied version %s/%s: %w", entityType, entityID, err)
	}
	return local, remote, nil
}

// SetAppliedVersion records confirmed versions. The MAX guards keep both
// high-water marks monotone even under replays.
func (db *DB) SetAppliedVersion(ctx context.Context, entityType, entityID string, local, remote int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO applied_versions (entity_type, entity_id, applied_version, remote_version, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(entity_type, entity_id) DO UPDATE SET
             applied_version = MAX(applied_version, excluded.applied_version),
             remote_version = MAX(remote_version, excluded.remote_version),
             updated_at = excluded.updated_at`,
		entityType, entityID, local, remote, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set applied version %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

func (db *DB) transition(ctx context.Context, id, query string) error {
	res, err := db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	return oneRow(res, id)
}

func oneRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanItems(rows *sql.Rows) ([]models.SyncQueueItem, error) {
	defer rows.Close()

	var items []models.SyncQueueItem
	for rows.Next() {
		var i models.SyncQueueItem
		var lastError sql.NullString
		var nextEligible, completed sql.NullTime
		err := rows.Scan(
			&i.ID, &i.EntityType, &i.EntityID, &i.Operation, &i.Payload, &i.Priority, &i.Status,
			&i.AttemptCount, &lastError, &nextEligible, &i.OriginStoreID, &i.LocalVersion,
			&i.CreatedAt, &i.UpdatedAt, &completed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		if lastError.Valid {
			i.LastError = &lastError.String
		}
		if nextEligible.Valid {
			i.NextEligibleAt = &nextEligible.Time
		}
		if completed.Valid {
			i.CompletedAt = &completed.Time
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func scanItem(row *sql.Row) (*models.SyncQueueItem, error) {
	var i models.SyncQueueItem
	var lastError sql.NullString
	var nextEligible, completed sql.NullTime
	err := row.Scan(
		&i.ID, &i.EntityType, &i.EntityID, &i.Operation, &i.Payload, &i.Priority, &i.Status,
		&i.AttemptCount, &lastError, &nextEligible, &i.OriginStoreID, &i.LocalVersion,
		&i.CreatedAt, &i.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	if lastError.Valid {
		i.LastError = &lastError.String
	}
	if nextEligible.Valid {
		i.NextEligibleAt = &nextEligible.Time
	}
	if completed.Valid {
		i.CompletedAt = &completed.Time
	}
	return &i, nil
}
