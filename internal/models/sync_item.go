package models

import "time"

// Operation types mirrored to the central system.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Queue item statuses. Completed and Cancelled are terminal and immutable.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusConflict  = "conflict"
	StatusCancelled = "cancelled"
)

// Priority orders dispatch; higher values are claimed first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	// PriorityCritical is reserved for legally-mandated submissions
	// (fiscal/tax reporting) that must never be silently dropped.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config/API string to a Priority. Unknown values
// fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// SyncQueueItem is one durable record per business mutation awaiting
// propagation to the central system. The ID doubles as the idempotency
// key on the transport.
type SyncQueueItem struct {
	ID             string     `json:"id"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Operation      string     `json:"operation"`
	Payload        string     `json:"payload"`
	Priority       Priority   `json:"priority"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      *string    `json:"last_error,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	OriginStoreID  string     `json:"origin_store_id"`
	LocalVersion   int64      `json:"local_version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the item can never be dispatched again.
func (i *SyncQueueItem) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusCancelled
}
