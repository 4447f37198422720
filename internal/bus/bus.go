// Package bus provides the in-process event bus that fans engine events
// out to subscribers. Delivery to each subscriber preserves publish
// order; a slow subscriber loses the newest events rather than stalling
// publishers, and learns how many it lost through a LaggedError.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

// ErrClosed is returned by Next once a subscription (or the whole bus)
// has been closed and its buffer drained.
var ErrClosed = errors.New("bus: subscription closed")

// LaggedError reports that a subscriber fell behind and Missed events
// were dropped. The subscription stays usable after the error.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: subscriber lagged, %d events dropped", e.Missed)
}

// Bus is a filtered fan-out broadcaster. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buf    int
	closed bool
}

// New creates a bus whose subscribers each buffer up to bufferSize
// events. Sizes below 1 fall back to 256.
func New(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		buf:  bufferSize,
	}
}

// Subscribe registers a new subscriber whose delivery is restricted to
// event types passing the filter (see Match for the grammar). The
// caller must Close the subscription when done.
func (b *Bus) Subscribe(filter string) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan domain.Event, b.buf),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.done)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every subscriber whose filter matches.
// Subscribers with full buffers miss the event; their missed counter is
// bumped instead of blocking the publisher.
func (b *Bus) Publish(ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if !Match(sub.filter, ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.missed.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down. Subscribers can still drain events already
// buffered; afterwards Next returns ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
}

// Subscription is a single subscriber's ordered view of the bus.
type Subscription struct {
	bus    *Bus
	filter string
	ch     chan domain.Event
	done   chan struct{}
	missed atomic.Uint64
	once   sync.Once
}

// Filter returns the filter the subscription was created with.
func (s *Subscription) Filter() string {
	return s.filter
}

// Next blocks until an event is available, the context is done, or the
// subscription is closed. When the subscriber has fallen behind, Next
// first drains the events it still holds and then reports the gap with
// a LaggedError; the subscription remains usable.
func (s *Subscription) Next(ctx context.Context) (domain.Event, error) {
	// Buffered events predate any drop, so deliver them first.
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}

	if n := s.missed.Swap(0); n > 0 {
		return domain.Event{}, &LaggedError{Missed: n}
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	case <-s.done:
		// done may win the select even when an event is ready.
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return domain.Event{}, ErrClosed
		}
	}
}

// Close detaches the subscription from the bus. Safe to call more than
// once and concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}
