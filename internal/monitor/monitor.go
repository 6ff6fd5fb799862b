package monitor

import (
	"context"
	"sync"
	"time"

	"storesync/internal/config"
	"storesync/internal/events"
	"storesync/internal/models"
	"storesync/internal/transport"

	"github.com/rs/zerolog"
)

// Monitor tracks reachability of the central endpoint and drives the
// connection state machine. It is the only writer of the state except
// for the dispatcher's syncing signal.
type Monitor struct {
	checker     transport.HealthChecker
	bus         *events.EventBus
	logger      zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	errorStreak int

	mu           sync.Mutex
	state        models.ConnectionState
	changedAt    time.Time
	rejectStreak int
}

func New(checker transport.HealthChecker, bus *events.EventBus, cfg config.MonitorConfig, logger *zerolog.Logger) *Monitor {
	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "monitor").Logger()
	} else {
		l = zerolog.Nop()
	}
	return &Monitor{
		checker:     checker,
		bus:         bus,
		logger:      l,
		interval:    cfg.ProbeIntervalDuration(),
		timeout:     cfg.ProbeTimeoutDuration(),
		errorStreak: cfg.ErrorStreak,
		state:       models.ConnOffline,
		changedAt:   time.Now(),
	}
}

// Start runs the periodic probe loop until ctx is done. Run it in its
// own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.interval).Msg("monitor started")
	defer m.logger.Info().Msg("monitor stopped")

	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one reachability check and applies the resulting
// transition. Returns whether the central endpoint answered.
func (m *Monitor) Probe(ctx context.Context) bool {
	m.mu.Lock()
	wasError := m.state == models.ConnError
	switch m.state {
	case models.ConnOffline, models.ConnError:
		m.setStateLocked(models.ConnConnecting)
	case models.ConnSyncing:
		// The dispatcher owns the syncing window; don't probe under it.
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.checker.Health(probeCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
		m.setStateLocked(models.ConnOffline)
		return false
	}

	if wasError {
		// Leaving error grants the dispatcher another attempt; the
		// streak rebuilds if central is still rejecting pushes.
		m.rejectStreak = 0
	}
	if m.rejectStreak >= m.errorStreak {
		// Network is fine but central keeps rejecting pushes.
		m.setStateLocked(models.ConnError)
		return true
	}
	m.setStateLocked(models.ConnOnline)
	return true
}

// CurrentState returns the current connection state.
func (m *Monitor) CurrentState() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StateSince returns the state and when it was entered.
func (m *Monitor) StateSince() (models.ConnectionState, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.changedAt
}

// SetSyncing is the dispatcher's signal that a push cycle is active.
// Syncing is only entered from Online and exits back to Online.
func (m *Monitor) SetSyncing(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active && m.state == models.ConnOnline {
		m.setStateLocked(models.ConnSyncing)
	}
	if !active && m.state == models.ConnSyncing {
		m.setStateLocked(models.ConnOnline)
	}
}

// ReportPushOutcome feeds push results into the error-state detector:
// a run of non-retriable failures while reachable means the central
// service is rejecting us even though the network is up.
func (m *Monitor) ReportPushOutcome(ok bool, retriable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.rejectStreak = 0
		if m.state == models.ConnError {
			m.setStateLocked(models.ConnOnline)
		}
		return
	}
	if retriable {
		return
	}

	m.rejectStreak++
	if m.rejectStreak >= m.errorStreak && m.state.Reachable() {
		m.setStateLocked(models.ConnError)
	}
}

func (m *Monitor) setStateLocked(next models.ConnectionState) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.changedAt = time.Now()
	m.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("connection state changed")

	if m.bus != nil {
		_ = m.bus.PublishJSON(events.EventConnectionStateChanged, events.ConnectionStatePayload{
			Previous: string(prev),
			Current:  string(next),
			At:       m.changedAt,
		})
	}
}
