package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// Broadcaster fans every published value out to every subscriber. Each
// subscriber owns a bounded queue; a subscriber that falls behind loses its
// oldest values and the loss is counted.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	buffer int
	closed bool
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscription is one consumer's view of a broadcaster.
type Subscription[T any] struct {
	b      *Broadcaster[T]
	ch     chan T
	lagged atomic.Uint64
	once   sync.Once
}

// Subscribe registers a consumer. Values published before the call are not
// delivered. Subscribing to a closed broadcaster yields a closed channel.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{b: b, ch: make(chan T, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.deliver(v)
	}
}

// Close closes every subscriber channel. Further publishes are dropped.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription[T]) deliver(v T) {
	select {
	case s.ch <- v:
		return
	default:
	}
	// full: drop the oldest queued value
	select {
	case <-s.ch:
		s.lagged.Add(1)
	default:
	}
	select {
	case s.ch <- v:
	default:
		s.lagged.Add(1)
	}
}

// C returns the receive channel. It is closed when the subscription or the
// broadcaster is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Lagged returns and resets the number of values dropped for this subscriber.
func (s *Subscription[T]) Lagged() uint64 {
	return s.lagged.Swap(0)
}

// Close unsubscribes.
func (s *Subscription[T]) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
