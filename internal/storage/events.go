package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind names the kind of committed change.
type EventKind string

const (
	EventItemUpserted    EventKind = "item_upserted"
	EventItemDeleted     EventKind = "item_deleted"
	EventProgressChanged EventKind = "progress_changed"
	EventProgressCleared EventKind = "progress_cleared"
	EventSyncStatus      EventKind = "sync_status"
)

// Event is published after a write commits.
type Event struct {
	Kind     EventKind  `json:"kind"`
	ItemID   string     `json:"item_id,omitempty"`
	ServerID string     `json:"server_id,omitempty"`
	Status   SyncStatus `json:"status,omitempty"`
	At       time.Time  `json:"at"`
}

const subscriberBuffer = 64

// Broker fans committed-change events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event, and Dropped
// counts how often that happened.
type Broker struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and must be called once the subscriber is done.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends e to every subscriber.
func (b *Broker) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
