package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storesync/internal/models"
)

const conflictColumns = `id, item_id, entity_type, entity_id, local_version, remote_version,
              local_payload, remote_payload, resolution, resolved_payload, status, created_at, resolved_at`

// ListConflicts returns conflict records in the given status, newest first.
func (db *DB) ListConflicts(ctx context.Context, status string, limit int) ([]models.ConflictRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var records []models.ConflictRecord
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// GetConflict loads one conflict record by id.
func (db *DB) GetConflict(ctx context.Context, id int64) (*models.ConflictRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get conflict %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get conflict %d: %w", id, err)
		}
		return nil, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	return scanConflict(rows)
}

// ResolveConflict archives an open record with the chosen resolution.
// The originating item leaves conflict status in the same transaction:
// a local-wins or merged outcome re-enqueues it for dispatch, a
// remote-wins outcome cancels it.
func (db *DB) ResolveConflict(ctx context.Context, id int64, resolution string, resolvedPayload *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	var itemID string
	err = tx.QueryRowContext(ctx,
		`SELECT item_id FROM conflict_records WHERE id = ? AND status = 'open'`, id).Scan(&itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("open conflict %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load conflict %d: %w", id, err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE conflict_records SET status = 'resolved', resolution = ?, resolved_payload = ?, resolved_at = ?
         WHERE id = ?`,
		resolution, resolvedPayload, now, id,
	)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}

	switch resolution {
	case models.StrategyLastWriteWinsRemote:
		// Local change is discarded; remote state stands.
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'cancelled', next_eligible_at = NULL, updated_at = ?
             WHERE id = ? AND status = 'conflict'`,
			now, itemID,
		)
	default:
		// Local or merged payload must still reach central; the item
		// goes back on the dispatch path, carrying the resolved payload.
		if resolvedPayload != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE sync_queue SET status = 'pending', payload = ?, last_error = NULL,
                     next_eligible_at = NULL, updated_at = ?
                 WHERE id = ? AND status = 'conflict'`,
				*resolvedPayload, now, itemID,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE sync_queue SET status = 'pending', last_error = NULL,
                     next_eligible_at = NULL, updated_at = ?
                 WHERE id = ? AND status = 'conflict'`,
				now, itemID,
			)
		}
	}
	if err != nil {
		return fmt.Errorf("release conflicted item %s: %w", itemID, err)
	}

	return tx.Commit()
}

// ApplyResolution stores an automatically resolved conflict record and
// moves the in-flight item per the outcome in one transaction:
// requeue=true returns it to pending carrying the resolved payload for
// the next cycle, requeue=false completes it (remote state stands).
func (db *DB) ApplyResolution(ctx context.Context, itemID string, record *models.ConflictRecord, requeue bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolution tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	record.ItemID = itemID
	record.Status = models.ConflictResolved
	record.CreatedAt = now
	record.ResolvedAt = &now
	result, err := tx.ExecContext(ctx,
		`INSERT INTO conflict_records (item_id, entity_type, entity_id, local_version, remote_version,
             local_payload, remote_payload, resolution, resolved_payload, status, created_at, resolved_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ItemID, record.EntityType, record.EntityID, record.LocalVersion, record.RemoteVersion,
		record.LocalPayload, record.RemotePayload, record.Resolution, record.ResolvedPayload,
		record.Status, record.CreatedAt, record.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert resolved conflict: %w", err)
	}
	record.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("resolved conflict id: %w", err)
	}

	var res sql.Result
	if requeue {
		if record.ResolvedPayload == nil {
			return fmt.Errorf("requeue resolution for %s requires a resolved payload", itemID)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'pending', payload = ?, last_error = NULL,
                 next_eligible_at = NULL, updated_at = ?
             WHERE id = ? AND status = 'in_flight'`,
			*record.ResolvedPayload, now, itemID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE sync_queue SET status = 'completed', last_error = NULL, next_eligible_at = NULL,
                 updated_at = ?, completed_at = ?
             WHERE id = ? AND status = 'in_flight'`,
			now, now, itemID,
		)
	}
	if err != nil {
		return fmt.Errorf("apply resolution %s: %w", itemID, err)
	}
	if err := oneRow(res, itemID); err != nil {
		return err
	}

	return tx.Commit()
}

// CountOpenConflicts returns the open conflict backlog size.
func (db *DB) CountOpenConflicts(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflict_records WHERE status = 'open'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open conflicts: %w", err)
	}
	return n, nil
}

func scanConflict(rows *sql.Rows) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var resolvedPayload sql.NullString
	var resolvedAt sql.NullTime
	err := rows.Scan(
		&c.ID, &c.ItemID, &c.EntityType, &c.EntityID, &c.LocalVersion, &c.RemoteVersion,
		&c.LocalPayload, &c.RemotePayload, &c.Resolution, &resolvedPayload, &c.Status,
		&c.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict record: %w", err)
	}
	if resolvedPayload.Valid {
		c.ResolvedPayload = &resolvedPayload.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return &c, nil
}
