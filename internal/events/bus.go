package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 256

// Publisher is the side of the bus the engine sees.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber, and
// with no subscribers every event is dropped. Events published from one
// goroutine reach each subscriber in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	next    uint64
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscription is one consumer's queue.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	id   uint64
	bus  *Bus
	once sync.Once
}

// Subscribe registers a consumer with the given queue length.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := &Subscription{C: ch, ch: ch, id: b.next, bus: b}
	b.subs[sub.id] = sub
	return sub
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber with room in its queue.
func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of attached consumers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
