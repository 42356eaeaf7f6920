// Package events provides an in-process fan-out bus for dashboard
// live updates.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeMemoryStored  = "memory_stored"
	TypeMemoryUpdated = "memory_updated"
	TypeMemoryDeleted = "memory_deleted"
	TypeIndexStarted  = "index_started"
	TypeIndexProgress = "index_progress"
	TypeIndexComplete = "index_complete"
	TypeIndexFailed   = "index_failed"
)

// Event is a single bus notification.
type Event struct {
	Type    string    `json:"type"`
	Project string    `json:"project"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

const (
	subscriberBuffer = 256
	historySize      = 100
)

// Bus fans events out to subscribers over bounded channels. Publish never
// blocks: a subscriber that falls behind has events dropped with a warning.
type Bus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	recent []Event
	next   int
	filled bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		recent: make([]Event, historySize),
	}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers and records it in the recent
// ring. Safe to call from any goroutine.
func (b *Bus) Publish(eventType, project, detail string) {
	ev := Event{Type: eventType, Project: project, Detail: detail, Time: time.Now().UTC()}

	b.mu.Lock()
	b.recent[b.next] = ev
	b.next = (b.next + 1) % historySize
	if b.next == 0 {
		b.filled = true
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber full, dropping event", "type", ev.Type, "project", ev.Project)
		}
	}
	b.mu.Unlock()
}

// Recent returns up to limit of the most recently published events, newest
// first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.next
	if b.filled {
		size = historySize
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (b.next - i + historySize) % historySize
		out = append(out, b.recent[idx])
	}
	return out
}
