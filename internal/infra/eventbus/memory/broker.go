// Package memory provides an in-process, topic-per-request event bus for stage
// change events. Delivery is at-most-once and nothing is persisted.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

// DefaultBufferSize is the per-subscription channel capacity used when a
// caller passes a non-positive size.
const DefaultBufferSize = 16

// BrokerMetrics records delivery outcomes.
type BrokerMetrics interface {
	IncEventsPublished(ctx context.Context)
	IncEventsDropped(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) IncEventsPublished(context.Context) {}
func (noopMetrics) IncEventsDropped(context.Context)   {}

// Subscription receives events for one topic, or for every topic when created
// with SubscribeAll.
type Subscription struct {
	id        uint64
	requestID uuid.UUID
	all       bool
	ch        chan workflow.StateChangeEvent
	broker    *Broker
	once      sync.Once
}

// C returns the delivery channel. It is closed when the subscription or the
// broker is closed.
func (s *Subscription) C() <-chan workflow.StateChangeEvent { return s.ch }

// RequestID returns the topic. It is the zero UUID for wildcard subscriptions.
func (s *Subscription) RequestID() uuid.UUID { return s.requestID }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.broker.unsubscribe(s) }

// Broker fans out published events to the subscribers of the event's request.
// A subscriber whose buffer is full misses the event instead of blocking the
// publisher.
type Broker struct {
	mu       sync.RWMutex
	topics   map[uuid.UUID]map[uint64]*Subscription
	wildcard map[uint64]*Subscription
	closed   bool

	nextID  atomic.Uint64
	dropped atomic.Uint64
	metrics BrokerMetrics
}

// Option configures a Broker.
type Option func(*Broker)

// WithMetrics records published and dropped events.
func WithMetrics(m BrokerMetrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		topics:   make(map[uuid.UUID]map[uint64]*Subscription),
		wildcard: make(map[uint64]*Subscription),
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) newSubscription(requestID uuid.UUID, all bool, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Subscription{
		id:        b.nextID.Add(1),
		requestID: requestID,
		all:       all,
		ch:        make(chan workflow.StateChangeEvent, buffer),
		broker:    b,
	}
}

// Subscribe registers interest in a single request's events. Subscribing to
// an id with no events yet is allowed. After Close the returned subscription's
// channel is already closed.
func (b *Broker) Subscribe(requestID uuid.UUID, buffer int) *Subscription {
	sub := b.newSubscription(requestID, false, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	subs, ok := b.topics[requestID]
	if !ok {
		subs = make(map[uint64]*Subscription)
		b.topics[requestID] = subs
	}
	subs[sub.id] = sub
	return sub
}

// SubscribeAll registers interest in every request's events.
func (b *Broker) SubscribeAll(buffer int) *Subscription {
	sub := b.newSubscription(uuid.Nil, true, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.wildcard[sub.id] = sub
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.all {
		delete(b.wildcard, sub.id)
	} else if subs, ok := b.topics[sub.requestID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topics, sub.requestID)
		}
	}
	// Closing under the write lock guarantees no publisher is mid-send.
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers evt to the request's subscribers and wildcard subscribers
// without blocking. Events for one request are delivered in publish order
// provided the caller serializes publishes for that request.
func (b *Broker) Publish(ctx context.Context, evt workflow.StateChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}

	b.metrics.IncEventsPublished(ctx)
	for _, sub := range b.topics[evt.RequestID] {
		b.deliver(ctx, sub, evt)
	}
	for _, sub := range b.wildcard {
		b.deliver(ctx, sub, evt)
	}
	return nil
}

func (b *Broker) deliver(ctx context.Context, sub *Subscription, evt workflow.StateChangeEvent) {
	select {
	case sub.ch <- evt:
	default:
		b.dropped.Add(1)
		b.metrics.IncEventsDropped(ctx)
	}
}

// SubscriberCount returns the number of subscriptions for a request.
func (b *Broker) SubscriberCount(requestID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[requestID])
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, subs := range b.topics {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.topics, id)
	}
	for id, sub := range b.wildcard {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.wildcard, id)
	}
}
