package transport

import (
	"context"
	"errors"
)

// ErrorClass partitions push failures for the retry policy.
type ErrorClass string

const (
	// ClassTransient covers timeouts, connection failures and 5xx
	// responses; the item is retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassRejected covers 4xx validation failures; the item is parked
	// as failed until an operator intervenes.
	ClassRejected ErrorClass = "rejected"
	// ClassConflict is an optimistic-concurrency rejection; the item is
	// routed to the conflict resolver, not the backoff path.
	ClassConflict ErrorClass = "conflict"
)

// Sentinel errors for the push outcome branches.
var (
	ErrRejected    = errors.New("push rejected by central")
	ErrUnavailable = errors.New("central unavailable")
)

// PushError carries the classification alongside the cause.
type PushError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *PushError) Error() string {
	if e.Reason != "" {
		return string(e.Class) + ": " + e.Reason
	}
	if e.Err != nil {
		return string(e.Class) + ": " + e.Err.Error()
	}
	return string(e.Class)
}

func (e *PushError) Unwrap() error { return e.Err }

// Classify extracts the error class from a push failure. Unknown errors
// (including deadline exceeded) are treated as transient so they stay
// on the retry path.
func Classify(err error) ErrorClass {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// PushRequest is one operation offered to the central system. ItemID is
// the idempotency key: the central system must treat a repeated push
// with the same key as a no-op once applied.
type PushRequest struct {
	ItemID                string `json:"item_id"`
	OriginStoreID         string `json:"origin_store_id"`
	EntityType            string `json:"entity_type"`
	EntityID              string `json:"entity_id"`
	Operation             string `json:"operation"`
	Payload               string `json:"payload"`
	ExpectedRemoteVersion int64  `json:"expected_remote_version"`
}

// PushResult is the successful outcome of a push.
type PushResult struct {
	NewRemoteVersion int64 `json:"new_remote_version"`
}

// VersionConflict reports the remote's current view when the expected
// version does not match.
type VersionConflict struct {
	CurrentRemoteVersion int64  `json:"current_remote_version"`
	CurrentRemotePayload string `json:"current_remote_payload"`
}

func (v *VersionConflict) Error() string {
	return "version conflict with remote"
}

// Transport pushes queued operations to the central system.
type Transport interface {
	// Push returns PushResult on success. Failures are a *PushError;
	// a version mismatch additionally wraps *VersionConflict.
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
}

// HealthChecker answers the monitor's reachability probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// AsVersionConflict unwraps a version conflict from a push failure.
func AsVersionConflict(err error) (*VersionConflict, bool) {
	var vc *VersionConflict
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}
