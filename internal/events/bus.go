package events

import (
	"sync"
	"time"

	"binance-signal-engine/internal/signal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalCreated   EventType = "SIGNAL_CREATED"
	EventSignalConfirmed EventType = "SIGNAL_CONFIRMED"
	EventSignalRejected  EventType = "SIGNAL_REJECTED"
	EventSignalExpired   EventType = "SIGNAL_EXPIRED"
	EventSystemRestart   EventType = "SYSTEM_RESTART"
	EventJobFailed       EventType = "JOB_FAILED"
)

// TypeForStatus maps a terminal status to its event type
func TypeForStatus(s signal.Status) EventType {
	switch s {
	case signal.StatusConfirmed:
		return EventSignalConfirmed
	case signal.StatusRejected:
		return EventSignalRejected
	case signal.StatusExpired:
		return EventSignalExpired
	default:
		return EventSignalCreated
	}
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Signal    *signal.Signal         `json:"signal,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Key returns the partition key of the event
func (e Event) Key() string {
	if e.Signal != nil {
		return e.Signal.Symbol
	}
	return string(e.Type)
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Each subscriber runs on its own goroutine.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a lifecycle event carrying a copy of sig
func (eb *EventBus) PublishSignal(eventType EventType, sig *signal.Signal, at time.Time) {
	eb.Publish(Event{
		Type:      eventType,
		Timestamp: at,
		Signal:    sig.Clone(),
	})
}

// PublishRestart publishes the outcome of a daily restart
func (eb *EventBus) PublishRestart(at time.Time, expired, universe int) {
	eb.Publish(Event{
		Type:      EventSystemRestart,
		Timestamp: at,
		Data: map[string]interface{}{
			"expired_signals": expired,
			"universe_size":   universe,
		},
	})
}

// PublishJobFailed publishes a failed scheduler run
func (eb *EventBus) PublishJobFailed(job, runID string, err error, at time.Time) {
	data := map[string]interface{}{
		"job":    job,
		"run_id": runID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:      EventJobFailed,
		Timestamp: at,
		Data:      data,
	})
}
