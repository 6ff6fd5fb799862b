package models

// ConnectionState describes reachability of the central endpoint as
// observed by the connection monitor.
type ConnectionState string

const (
	// ConnOffline is the initial state and the state after a failed probe.
	ConnOffline ConnectionState = "offline"
	// ConnConnecting means a probe is in flight after being offline.
	ConnConnecting ConnectionState = "connecting"
	// ConnOnline means the last probe succeeded.
	ConnOnline ConnectionState = "online"
	// ConnSyncing is entered only by explicit dispatcher signal while a
	// push cycle is active.
	ConnSyncing ConnectionState = "syncing"
	// ConnError means probes succeed but the central service keeps
	// rejecting pushes (reachable network, failing service).
	ConnError ConnectionState = "error"
)

// Reachable reports whether the dispatcher may attempt a manual sync.
func (s ConnectionState) Reachable() bool {
	switch s {
	case ConnConnecting, ConnOnline, ConnSyncing:
		return true
	}
	return false
}

// Health levels computed by the status aggregator.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)
