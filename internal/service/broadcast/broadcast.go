package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// DefaultBuffer is the per-subscriber capacity used when none is configured.
const DefaultBuffer = 256

// Subscription is one observer's event stream.
type Subscription struct {
	// id identifies the subscription inside the registry.
	id uint64
	// events is the bounded per-subscriber buffer.
	events chan update.Event
	// dropped counts events discarded by the drop-oldest policy.
	dropped atomic.Uint64
	// owner is the registry the subscription belongs to.
	owner *Broadcaster
}

// Events returns the stream. It is closed on Close or when the broadcaster shuts down.
func (s *Subscription) Events() <-chan update.Event {
	return s.events
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes; it is safe to call more than once.
func (s *Subscription) Close() {
	s.owner.unsubscribe(s.id)
}

// Broadcaster is the subscriber registry. Its lock is independent of any
// orchestrator state.
type Broadcaster struct {
	// mu protects subs and closed; publish holds it while delivering.
	mu sync.Mutex
	// subs are the live subscriptions.
	subs map[uint64]*Subscription
	// nextID is the id of the next subscription.
	nextID uint64
	// buffer is the per-subscriber capacity.
	buffer int
	// closed rejects new subscriptions after Close.
	closed bool
	// onDrop is notified with the number of dropped events.
	onDrop func(n int)
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithDropHook installs a callback notified whenever events are dropped.
// It runs under the registry lock and must not block.
func WithDropHook(fn func(n int)) Option {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

// New creates a broadcaster with the given per-subscriber buffer.
func New(buffer int, opts ...Option) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b := &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers a new subscriber and queues the initial events first.
// After Close it returns a subscription whose stream is already closed.
func (b *Broadcaster) Subscribe(initial ...update.Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++

	sub := &Subscription{
		id:     b.nextID,
		events: make(chan update.Event, b.buffer),
		owner:  b,
	}

	if b.closed {
		close(sub.events)
		return sub
	}

	for _, event := range initial {
		b.deliverLocked(sub, event)
	}

	b.subs[sub.id] = sub

	return sub
}

// Publish delivers the event to every current subscriber without blocking.
func (b *Broadcaster) Publish(event update.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		b.deliverLocked(sub, event)
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Close closes every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subs {
		close(sub.events)
		delete(b.subs, id)
	}
}

// unsubscribe removes and closes a subscription.
func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}

	delete(b.subs, id)
	close(sub.events)
}

// deliverLocked enqueues the event, evicting the oldest pending one when full.
// b.mu must be held, which makes the publisher the only sender.
func (b *Broadcaster) deliverLocked(sub *Subscription, event update.Event) {
	select {
	case sub.events <- event:
		return
	default:
	}

	// Full: evict the oldest. The consumer may have drained it meanwhile,
	// in which case nothing is lost.
	select {
	case <-sub.events:
		sub.dropped.Add(1)

		if b.onDrop != nil {
			b.onDrop(1)
		}
	default:
	}

	// Only this goroutine sends, so a slot is free now.
	select {
	case sub.events <- event:
	default:
	}
}
