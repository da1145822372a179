// internal/supervisor/events.go
package supervisor

import (
	"sync"
	"time"
)

// EventType classifies lifecycle events.
type EventType string

const (
	EventStarting         EventType = "starting"
	EventStarted          EventType = "started"
	EventAttached         EventType = "attached"
	EventHealthy          EventType = "healthy"
	EventUnhealthy        EventType = "unhealthy"
	EventRecovered        EventType = "recovered"
	EventStopping         EventType = "stopping"
	EventStopped          EventType = "stopped"
	EventFailed           EventType = "failed"
	EventRestartScheduled EventType = "restart_scheduled"
	EventSpawnSkipped     EventType = "spawn_skipped"
)

// Event is one typed lifecycle notification. Events decouple the
// orchestrator's timing from its consumers: publishing never blocks.
type Event struct {
	Type      EventType `json:"type"`
	ServiceID string    `json:"service_id"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans lifecycle events out to subscribers. Sends are non-blocking: a
// subscriber that falls behind loses events rather than stalling the
// supervisor.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer and returns its channel. The buffer bounds
// how far the consumer may fall behind before losing events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(eventType EventType, serviceID, message string) {
	ev := Event{
		Type:      eventType,
		ServiceID: serviceID,
		Message:   message,
		At:        time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
