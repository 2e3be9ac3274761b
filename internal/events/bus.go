// Package events carries best-effort job and step notifications from executors to sinks.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/conductor/internal/logging"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventMigrationStarted  EventType = "migration_started"
	EventMigrationFinished EventType = "migration_finished"
	EventStepStarted       EventType = "step_started"
	EventStepFinished      EventType = "step_finished"
	EventDeletionStarted   EventType = "deletion_started"
	EventDeletionFinished  EventType = "deletion_finished"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	EventMigrationStarted, EventMigrationFinished,
	EventStepStarted, EventStepFinished,
	EventDeletionStarted, EventDeletionFinished,
}

// Event represents a system event.
type Event struct {
	Type       EventType           `json:"type"`
	Timestamp  time.Time           `json:"timestamp"`
	Recipients []string            `json:"recipients,omitempty"`
	Meta       map[string][]string `json:"meta,omitempty"`
	Data       map[string]any      `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Each subscriber gets a buffered channel drained by
// its own goroutine; when the buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      *logging.Logger
	dropped     atomic.Int64
}

func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger.With("events"),
	}
}

// Subscribe registers fn for the given types and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.remove(ch) {
				close(ch)
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber_panic type=%s panic=%v", event.Type, r)
		}
	}()
	fn(event)
}

// remove detaches ch from every type. Caller must hold b.mu.
func (b *Bus) remove(ch chan Event) bool {
	found := false
	for t, subs := range b.subscribers {
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				found = true
				break
			}
		}
	}
	return found
}

// Publish hands event to every subscriber of its type without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warnf("event_dropped type=%s reason=subscriber_full", event.Type)
		}
	}
}

// Dropped returns the number of deliveries lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, t)
	}
}
