package offline

import (
	"log/slog"
	"sync"
	"time"
)

// Event reports a worker state transition.
type Event struct {
	WorkerID uint64    `json:"worker_id"`
	Version  string    `json:"version"`
	State    State     `json:"state"`
	At       time.Time `json:"at"`
	// Err is set when a worker became redundant because its install failed.
	Err error `json:"-"`
}

// eventBus fans events out to subscribers without blocking the lifecycle.
// A subscriber that falls behind loses events.
type eventBus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("offline: dropping lifecycle event for slow subscriber", "subscriber", id, "version", e.Version, "state", e.State)
		}
	}
}
