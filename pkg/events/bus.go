package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Its channel is left open so a
// concurrent Publish never sends on a closed channel; the subscriber
// simply stops receiving.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking). A nil bus
// drops the event, so callers can publish unconditionally.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Emitter stamps events for a single request with its id, identity, and a
// monotone sequence number before publishing them.
type Emitter struct {
	bus       *Bus
	requestID string
	identity  string
	seq       atomic.Uint64
}

// NewEmitter creates a per-request emitter. A nil bus yields an emitter
// whose Emit is a no-op.
func NewEmitter(bus *Bus, requestID, identity string) *Emitter {
	return &Emitter{bus: bus, requestID: requestID, identity: identity}
}

// Emit publishes e with request id, identity, and the next sequence number
// filled in. Safe on a nil emitter.
func (em *Emitter) Emit(e Event) {
	if em == nil || em.bus == nil {
		return
	}
	e.RequestID = em.requestID
	if e.Identity == "" {
		e.Identity = em.identity
	}
	e.Seq = em.seq.Add(1)
	em.bus.Publish(e)
}

// Seq returns the last sequence number assigned.
func (em *Emitter) Seq() uint64 {
	if em == nil {
		return 0
	}
	return em.seq.Load()
}
