// Package eventbus provides an in-process broadcast bus. Publishing never
// blocks: a subscriber that falls behind loses its oldest buffered events and
// learns how many it missed on its next receive.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultCapacity is the per-subscriber buffer size used by callers that have
// no reason to pick their own.
const DefaultCapacity = 1024

// ErrSubscriptionClosed is returned by Recv once a subscription has been
// closed and its buffer drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// LagError reports events dropped for a slow subscriber. The subscriber is
// still attached and resumes at the oldest retained event.
type LagError struct {
	Count uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events dropped", e.Count)
}

// Bus broadcasts values of type T to any number of subscribers.
type Bus[T any] struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]*Subscription[T]
	capacity int
}

// New returns a bus whose subscribers each buffer up to capacity events.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		subs:     map[uuid.UUID]*Subscription[T]{},
		capacity: capacity,
	}
}

// Publish delivers value to every current subscriber without blocking. A full
// subscriber buffer sheds its oldest event and the subscriber's lag count is
// incremented.
func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- value:
		default:
			select {
			case <-sub.ch:
				sub.lag.Add(1)
			default:
			}
			select {
			case sub.ch <- value:
			default:
			}
		}
	}
}

// Subscribe attaches a new subscriber that receives every event published
// after this call. The caller must Close the subscription when done.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id:  uuid.New(),
		ch:  make(chan T, b.capacity),
		bus: b,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Close detaches and closes every subscriber.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Subscription is one attached receiver on a Bus.
type Subscription[T any] struct {
	id  uuid.UUID
	ch  chan T
	lag atomic.Uint64
	bus *Bus[T]
}

// Recv returns the next buffered event, blocking until one arrives, the
// context is canceled or the subscription is closed. If events were dropped
// since the last call it returns a LagError first; the next call resumes at
// the oldest retained event.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	if dropped := s.lag.Swap(0); dropped > 0 {
		return zero, &LagError{Count: dropped}
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case value, ok := <-s.ch:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return value, nil
	}
}

// Close detaches the subscription from the bus. Buffered events still queued
// are discarded.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, attached := s.bus.subs[s.id]; !attached {
		return
	}
	delete(s.bus.subs, s.id)
	close(s.ch)
}
