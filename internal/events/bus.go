// Package events publishes scheduler events to in-process subscribers and
// journals them to the workspace database.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	ActivityCreated    = "activity.created"
	ActivityAssigned   = "activity.assigned"
	ActivityProgressed = "activity.progressed"
	ActivityCompleted  = "activity.completed"
	ActivityRemoved    = "activity.removed"
	TickCompleted      = "tick.completed"
)

// Event is the in-process form of a journal entry.
type Event struct {
	Type       string
	Week       int
	EntityKind string
	EntityID   string
	Payload    EventPayload
}

// Hook receives every event synchronously, in publish order.
type Hook func(Event)

// Bus fans events out to hooks and channel subscribers. Channel delivery never
// blocks: a full subscriber misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	hooks   []Hook
	next    int
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer, logger: logger}
}

// Subscribe returns a buffered channel of events and a cancel func that
// unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

func (b *Bus) OnEvent(h Hook) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, h)
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	hooks := append([]Hook(nil), b.hooks...)
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			n := b.dropped.Add(1)
			b.logger.Warn("event subscriber full, dropping event", "type", evt.Type, "entity_id", evt.EntityID, "dropped_total", n)
		}
	}
	b.mu.RUnlock()
	for _, h := range hooks {
		h(evt)
	}
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
