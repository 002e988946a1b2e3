// Package subscription bridges the in-process event bus to real-time client
// connections. Each subscribed request id gets one bus subscription whose
// events are fanned out to the connections interested in that id.
package subscription

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/infra/eventbus/memory"
	"github.com/ahrav/scanflow/internal/infra/messaging/connections"
	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// ErrUnknownConnection is returned for operations on an unregistered connection.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrGatewayClosed is returned after Close.
var ErrGatewayClosed = errors.New("gateway closed")

type topic struct {
	sub   *memory.Subscription
	conns map[string]struct{}
}

// Gateway maps connections to request ids and forwards stage changes to them.
type Gateway struct {
	broker   *memory.Broker
	registry *connections.ClientRegistry
	buffer   int

	// mu guards topics and keeps it consistent with the registry.
	mu     sync.Mutex
	topics map[uuid.UUID]*topic
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewGateway creates a gateway that reads from broker. buffer sets the per
// topic bus subscription capacity.
func NewGateway(
	broker *memory.Broker,
	registry *connections.ClientRegistry,
	buffer int,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		broker:   broker,
		registry: registry,
		buffer:   buffer,
		topics:   make(map[uuid.UUID]*topic),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("component", "subscription_gateway"),
		tracer:   tracer,
	}
}

// Register makes a connection known to the gateway.
func (g *Gateway) Register(ctx context.Context, conn connections.ClientConn) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGatewayClosed
	}
	g.registry.Register(ctx, conn)
	g.logger.Debug(ctx, "connection registered", "connection_id", conn.ID())
	return nil
}

// Subscribe adds requestID to the connection's topics. Subscribing twice is a no-op.
func (g *Gateway) Subscribe(ctx context.Context, connID string, requestID uuid.UUID) error {
	_, span := g.tracer.Start(ctx, "subscription_gateway.subscribe",
		trace.WithAttributes(
			attribute.String("connection_id", connID),
			attribute.String("request_id", requestID.String()),
		))
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGatewayClosed
	}

	added, ok := g.registry.AddTopic(connID, requestID)
	if !ok {
		return ErrUnknownConnection
	}
	if !added {
		span.AddEvent("already_subscribed")
		return nil
	}

	t, exists := g.topics[requestID]
	if !exists {
		t = &topic{
			sub:   g.broker.Subscribe(requestID, g.buffer),
			conns: make(map[string]struct{}),
		}
		g.topics[requestID] = t

		g.wg.Add(1)
		go g.pump(requestID, t)
	}
	t.conns[connID] = struct{}{}

	return nil
}

// Unsubscribe removes requestID from the connection's topics. Unsubscribing
// from an id that was never subscribed is a no-op.
func (g *Gateway) Unsubscribe(ctx context.Context, connID string, requestID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed, ok := g.registry.RemoveTopic(connID, requestID)
	if !ok {
		return ErrUnknownConnection
	}
	if removed {
		g.detachLocked(connID, requestID)
	}
	return nil
}

// Disconnect unregisters the connection and drops every topic it held.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.registry.Unregister(ctx, connID)
	if !ok {
		return
	}
	for _, requestID := range held {
		g.detachLocked(connID, requestID)
	}
	g.logger.Debug(ctx, "connection disconnected", "connection_id", connID, "topics", len(held))
}

func (g *Gateway) detachLocked(connID string, requestID uuid.UUID) {
	t, ok := g.topics[requestID]
	if !ok {
		return
	}
	delete(t.conns, connID)
	if len(t.conns) == 0 {
		// Closing the bus subscription ends the topic's pump.
		t.sub.Close()
		delete(g.topics, requestID)
	}
}

// TopicCount returns the number of request ids with at least one subscriber.
func (g *Gateway) TopicCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.topics)
}

func (g *Gateway) subscribers(requestID uuid.UUID, t *topic) []connections.ClientConn {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.topics[requestID] != t {
		return nil
	}
	conns := make([]connections.ClientConn, 0, len(t.conns))
	for id := range t.conns {
		if conn, ok := g.registry.Get(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (g *Gateway) pump(requestID uuid.UUID, t *topic) {
	defer g.wg.Done()

	for evt := range t.sub.C() {
		msg := protocol.NewStatusUpdate(evt)
		for _, conn := range g.subscribers(requestID, t) {
			if err := conn.Send(g.ctx, msg); err != nil {
				g.logger.Warn(g.ctx, "dropping slow or broken connection",
					"connection_id", conn.ID(),
					"request_id", requestID.String(),
					"error", err,
				)
				g.Disconnect(g.ctx, conn.ID())
				_ = conn.Close()
			}
		}
	}
}

// Close drops every topic and waits for in-flight deliveries to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for id, t := range g.topics {
		t.sub.Close()
		delete(g.topics, id)
	}
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
