package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventConnectionStateChanged = "connection_state_changed"
	EventItemCompleted          = "item_completed"
	EventItemFailed             = "item_failed"
	EventItemConflicted         = "item_conflicted"
	EventCriticalEscalation     = "critical_escalation"
)

// ConnectionStatePayload is emitted on every monitor transition.
type ConnectionStatePayload struct {
	Previous string    `json:"previous"`
	Current  string    `json:"current"`
	At       time.Time `json:"at"`
}

// ItemEventPayload describes the minimal queue item snapshot for event
// consumers (dashboard pushes, metrics, alerting).
type ItemEventPayload struct {
	ItemID       string `json:"item_id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Operation    string `json:"operation"`
	Priority     string `json:"priority"`
	AttemptCount int    `json:"attempt_count"`
	Error        string `json:"error,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events. Listeners must be
// resilient to missed events; authoritative state is always pollable
// from the queue store and the connection monitor.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
