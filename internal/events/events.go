// Package events carries sync notifications from the orchestrator to UI
// and observability consumers.
//
// Handlers run synchronously in subscription order, in the order events
// were published. Channel subscribers get a buffered copy and lose events
// when they fall behind instead of stalling the publisher.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/moodjar/emosync/internal/model"
)

// Kind represents the type of sync event.
type Kind string

const (
	KindSyncCompleted    Kind = "sync_completed"
	KindConflictDetected Kind = "conflict_detected"
	KindRecordRejected   Kind = "record_rejected"
	KindStateChanged     Kind = "state_changed"
)

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind                   `json:"kind"`
	At       time.Time              `json:"at"`
	RecordID string                 `json:"record_id,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	State    string                 `json:"state,omitempty"`
	Result   *model.SyncCycleResult `json:"result,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]handlerEntry
	nextID   int
	subs     map[chan Event]struct{}
	dropped  int

	// publishMu keeps delivery order equal to publish order.
	publishMu sync.Mutex
}

type handlerEntry struct {
	kinds []Kind
	fn    Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]handlerEntry),
		subs:     make(map[chan Event]struct{}),
	}
}

// Handle registers fn for the given kinds, or for every kind when none are
// given. The returned function removes the handler.
func (b *Bus) Handle(fn Handler, kinds ...Kind) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handlerEntry{kinds: kinds, fn: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Subscribe returns a channel receiving every event, buffered to buffer
// entries. Call Unsubscribe to release it.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe closes and removes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		if c == ch {
			delete(b.subs, c)
			close(c)
			return
		}
	}
}

// Publish delivers e to handlers, then offers it to channel subscribers
// without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]handlerEntry, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if h.wants(e.Kind) {
			h.fn(e)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many channel deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (h handlerEntry) wants(k Kind) bool {
	return len(h.kinds) == 0 || slices.Contains(h.kinds, k)
}
