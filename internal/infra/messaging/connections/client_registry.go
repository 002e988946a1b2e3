package connections

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
)

// GatewayMetrics defines metrics collected for real-time clients.
type GatewayMetrics interface {
	IncConnectedClients(ctx context.Context)
	DecConnectedClients(ctx context.Context)
	SetConnectedClients(ctx context.Context, count int)
}

// ClientConn is the transport side of a real-time client. Send must not block
// for long; implementations queue the message and report an error when the
// client can't keep up.
type ClientConn interface {
	ID() string
	Send(ctx context.Context, msg protocol.StatusUpdate) error
	Close() error
}

// Client tracks one connection and the request ids it is subscribed to.
type Client struct {
	Conn   ClientConn
	topics map[uuid.UUID]struct{}
}

// Topics returns a snapshot of the client's subscriptions.
func (c *Client) Topics() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(c.topics))
	for id := range c.topics {
		out = append(out, id)
	}
	return out
}

// ClientRegistry maps connection ids to their subscription sets. It is a
// coordination cache; losing it loses only live subscriptions.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	metrics GatewayMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncConnectedClients(context.Context)      {}
func (noopMetrics) DecConnectedClients(context.Context)      {}
func (noopMetrics) SetConnectedClients(context.Context, int) {}

// NewClientRegistry creates an empty registry. A nil metrics disables
// connection metrics.
func NewClientRegistry(metrics GatewayMetrics) *ClientRegistry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ClientRegistry{clients: make(map[string]*Client), metrics: metrics}
}

// Register adds a connection. Registering an id that already exists replaces
// the connection but keeps its subscriptions.
func (r *ClientRegistry) Register(ctx context.Context, conn ClientConn) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("connection_id", conn.ID()))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[conn.ID()]; ok {
		span.AddEvent("connection_already_registered")
		existing.Conn = conn
		return
	}

	r.clients[conn.ID()] = &Client{Conn: conn, topics: make(map[uuid.UUID]struct{})}
	span.AddEvent("connection_registered")

	r.metrics.IncConnectedClients(ctx)
	r.metrics.SetConnectedClients(ctx, len(r.clients))
}

// Unregister removes a connection and returns the topics it held.
func (r *ClientRegistry) Unregister(ctx context.Context, connID string) ([]uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connID]
	if !ok {
		return nil, false
	}
	delete(r.clients, connID)

	r.metrics.DecConnectedClients(ctx)
	r.metrics.SetConnectedClients(ctx, len(r.clients))

	return client.Topics(), true
}

// AddTopic records a subscription. It returns false if the connection is
// unknown, and added=false if it was already subscribed.
func (r *ClientRegistry) AddTopic(connID string, requestID uuid.UUID) (added, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connID]
	if !ok {
		return false, false
	}
	if _, exists := client.topics[requestID]; exists {
		return false, true
	}
	client.topics[requestID] = struct{}{}
	return true, true
}

// RemoveTopic drops a subscription. It returns removed=false when the
// connection was not subscribed.
func (r *ClientRegistry) RemoveTopic(connID string, requestID uuid.UUID) (removed, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[connID]
	if !ok {
		return false, false
	}
	if _, exists := client.topics[requestID]; !exists {
		return false, true
	}
	delete(client.topics, requestID)
	return true, true
}

// Get retrieves a connection by id.
func (r *ClientRegistry) Get(connID string) (ClientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[connID]
	if !ok {
		return nil, false
	}
	return client.Conn, true
}

// Topics returns the request ids a connection is subscribed to.
func (r *ClientRegistry) Topics(connID string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[connID]
	if !ok {
		return nil
	}
	return client.Topics()
}

// Count returns the number of registered connections.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
