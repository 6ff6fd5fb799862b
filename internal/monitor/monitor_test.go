package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"storesync/internal/config"
	"storesync/internal/events"
	"storesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu  sync.Mutex
	err error
}

func (f *fakeChecker) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChecker) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestMonitor(checker *fakeChecker, bus *events.EventBus) *Monitor {
	cfg := config.MonitorConfig{ProbeInterval: 15, ProbeTimeout: 1, ErrorStreak: 2}
	return New(checker, bus, cfg, nil)
}

func TestMonitorInitialStateOffline(t *testing.T) {
	m := newTestMonitor(&fakeChecker{}, nil)
	assert.Equal(t, models.ConnOffline, m.CurrentState())
}

func TestMonitorProbeTransitions(t *testing.T) {
	checker := &fakeChecker{err: errors.New("no route")}
	m := newTestMonitor(checker, nil)
	ctx := context.Background()

	// Failed probe keeps us offline.
	assert.False(t, m.Probe(ctx))
	assert.Equal(t, models.ConnOffline, m.CurrentState())

	// Successful probe brings us online.
	checker.setErr(nil)
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, models.ConnOnline, m.CurrentState())

	// Back to offline on failure.
	checker.setErr(errors.New("timeout"))
	assert.False(t, m.Probe(ctx))
	assert.Equal(t, models.ConnOffline, m.CurrentState())
}

func TestMonitorSyncingSignal(t *testing.T) {
	checker := &fakeChecker{}
	m := newTestMonitor(checker, nil)
	ctx := context.Background()

	// Syncing requires online first.
	m.SetSyncing(true)
	assert.Equal(t, models.ConnOffline, m.CurrentState())

	require.True(t, m.Probe(ctx))
	m.SetSyncing(true)
	assert.Equal(t, models.ConnSyncing, m.CurrentState())

	// Probes never override the dispatcher's syncing window.
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, models.ConnSyncing, m.CurrentState())

	m.SetSyncing(false)
	assert.Equal(t, models.ConnOnline, m.CurrentState())
}

func TestMonitorErrorStateAfterRejectStreak(t *testing.T) {
	checker := &fakeChecker{}
	m := newTestMonitor(checker, nil)
	ctx := context.Background()

	require.True(t, m.Probe(ctx))

	// Retriable failures never trip the error state.
	m.ReportPushOutcome(false, true)
	m.ReportPushOutcome(false, true)
	assert.Equal(t, models.ConnOnline, m.CurrentState())

	// Two consecutive non-retriable failures do (ErrorStreak = 2).
	m.ReportPushOutcome(false, false)
	assert.Equal(t, models.ConnOnline, m.CurrentState())
	m.ReportPushOutcome(false, false)
	assert.Equal(t, models.ConnError, m.CurrentState())

	// A probe from error goes through connecting and grants another
	// attempt when the network answers.
	assert.True(t, m.Probe(ctx))
	assert.Equal(t, models.ConnOnline, m.CurrentState())

	// A successful push clears the streak for good.
	m.ReportPushOutcome(true, false)
	m.ReportPushOutcome(false, false)
	assert.Equal(t, models.ConnOnline, m.CurrentState())
}

func TestMonitorEmitsStateChangeEvents(t *testing.T) {
	checker := &fakeChecker{}
	bus := events.NewEventBus()

	var mu sync.Mutex
	var transitions []string
	bus.Subscribe(events.EventConnectionStateChanged, func(ev *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(ev.Payload))
		return nil
	})

	m := newTestMonitor(checker, bus)
	require.True(t, m.Probe(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Contains(t, transitions[len(transitions)-1], `"current":"online"`)
}
