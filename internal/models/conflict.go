package models

import "time"

// Configurable resolution strategies, selected per entity type.
const (
	StrategyLastWriteWinsLocal  = "last_write_wins_local"
	StrategyLastWriteWinsRemote = "last_write_wins_remote"
	StrategyFieldMerge          = "field_merge"
	StrategyManualReview        = "manual_review"
	// StrategyAutoMerged is recorded on a ConflictRecord when a field
	// merge produced the resolved payload; it is never configured directly.
	StrategyAutoMerged = "auto_merged"
)

// KnownStrategy reports whether s is a strategy that may appear in
// resolution config.
func KnownStrategy(s string) bool {
	switch s {
	case StrategyLastWriteWinsLocal, StrategyLastWriteWinsRemote, StrategyFieldMerge, StrategyManualReview:
		return true
	}
	return false
}

// Conflict record lifecycle.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
)

// ConflictRecord is produced when a push is rejected with a version
// mismatch and the resolver cannot trivially apply the local change.
// Open records are surfaced on the dashboard until resolved.
type ConflictRecord struct {
	ID              int64      `json:"id"`
	ItemID          string     `json:"item_id"`
	EntityType      string     `json:"entity_type"`
	EntityID        string     `json:"entity_id"`
	LocalVersion    int64      `json:"local_version"`
	RemoteVersion   int64      `json:"remote_version"`
	LocalPayload    string     `json:"local_payload"`
	RemotePayload   string     `json:"remote_payload"`
	Resolution      string     `json:"resolution"`
	ResolvedPayload *string    `json:"resolved_payload,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// NeedsReview reports whether the record is parked for a human or an
// administrative tool.
func (c *ConflictRecord) NeedsReview() bool {
	return c.Status == ConflictOpen && c.Resolution == StrategyManualReview
}
