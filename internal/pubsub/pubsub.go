// Package pubsub provides a generic in-process publish/subscribe broker.
// It is the substrate for the orchestration event bus: daemons publish
// state changes and subscribers (notifier, event log, tests) consume them
// over buffered channels.
package pubsub

import (
	"context"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber channel depth. Publishers never
// block; a subscriber that falls this far behind starts dropping events.
const DefaultBufferSize = 100

// Kind classifies a published event.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Event is a published value with its kind and publish time.
type Event[T any] struct {
	Kind      Kind
	Payload   T
	Timestamp time.Time
}

// Broker fans events out to any number of subscribers.
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[chan Event[T]]struct{}
	done    chan struct{}
	depth   int
	dropped uint64
}

// NewBroker creates a broker with the default subscriber buffer depth.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithDepth[T](DefaultBufferSize)
}

// NewBrokerWithDepth creates a broker with a custom subscriber buffer depth.
func NewBrokerWithDepth[T any](depth int) *Broker[T] {
	if depth <= 0 {
		depth = DefaultBufferSize
	}
	return &Broker[T]{
		subs:  make(map[chan Event[T]]struct{}),
		done:  make(chan struct{}),
		depth: depth,
	}
}

// Subscribe returns a channel of events. The channel is closed when ctx is
// cancelled or the broker is closed, whichever comes first.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.depth)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers an event to every subscriber. Delivery is non-blocking:
// a full subscriber channel drops the event rather than stalling the
// publisher.
func (b *Broker[T]) Publish(kind Kind, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	ev := Event[T]{Kind: kind, Payload: payload, Timestamp: time.Now()}
	for sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.dropped++
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the broker down and closes every subscriber channel.
// Publish and Subscribe become no-ops afterwards.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}
