package connections_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/infra/messaging/connections"
	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
)

// MockGatewayMetrics implements the GatewayMetrics interface for testing.
type MockGatewayMetrics struct {
	ConnectedClients      int
	IncConnectedCallCount int
	DecConnectedCallCount int
	SetConnectedCallCount int
}

func (m *MockGatewayMetrics) IncConnectedClients(context.Context) {
	m.IncConnectedCallCount++
}

func (m *MockGatewayMetrics) DecConnectedClients(context.Context) {
	m.DecConnectedCallCount++
}

func (m *MockGatewayMetrics) SetConnectedClients(_ context.Context, count int) {
	m.ConnectedClients = count
	m.SetConnectedCallCount++
}

type stubConn struct{ id string }

func (c *stubConn) ID() string                                         { return c.id }
func (c *stubConn) Send(context.Context, protocol.StatusUpdate) error { return nil }
func (c *stubConn) Close() error                                       { return nil }

func TestRegisterNewClient(t *testing.T) {
	metrics := new(MockGatewayMetrics)
	registry := connections.NewClientRegistry(metrics)

	conn := &stubConn{id: "conn-1"}
	registry.Register(context.Background(), conn)

	got, ok := registry.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, conn, got)
	assert.Equal(t, 1, metrics.ConnectedClients)
	assert.Equal(t, 1, metrics.IncConnectedCallCount)
}

func TestRegisterExistingClientKeepsTopics(t *testing.T) {
	metrics := new(MockGatewayMetrics)
	registry := connections.NewClientRegistry(metrics)
	id := uuid.New()

	registry.Register(context.Background(), &stubConn{id: "conn-1"})
	_, ok := registry.AddTopic("conn-1", id)
	require.True(t, ok)

	replacement := &stubConn{id: "conn-1"}
	registry.Register(context.Background(), replacement)

	got, _ := registry.Get("conn-1")
	assert.Same(t, replacement, got)
	assert.Equal(t, []uuid.UUID{id}, registry.Topics("conn-1"))
	assert.Equal(t, 1, metrics.IncConnectedCallCount, "replacement is not a new connection")
}

func TestAddAndRemoveTopicIdempotent(t *testing.T) {
	registry := connections.NewClientRegistry(new(MockGatewayMetrics))
	registry.Register(context.Background(), &stubConn{id: "conn-1"})
	id := uuid.New()

	added, ok := registry.AddTopic("conn-1", id)
	assert.True(t, ok)
	assert.True(t, added)

	added, ok = registry.AddTopic("conn-1", id)
	assert.True(t, ok)
	assert.False(t, added)

	removed, ok := registry.RemoveTopic("conn-1", id)
	assert.True(t, ok)
	assert.True(t, removed)

	removed, ok = registry.RemoveTopic("conn-1", id)
	assert.True(t, ok)
	assert.False(t, removed)

	_, ok = registry.AddTopic("missing", id)
	assert.False(t, ok)
}

func TestUnregisterReturnsHeldTopics(t *testing.T) {
	metrics := new(MockGatewayMetrics)
	registry := connections.NewClientRegistry(metrics)
	registry.Register(context.Background(), &stubConn{id: "conn-1"})

	a, b := uuid.New(), uuid.New()
	registry.AddTopic("conn-1", a)
	registry.AddTopic("conn-1", b)

	held, ok := registry.Unregister(context.Background(), "conn-1")
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, held)
	assert.Equal(t, 0, registry.Count())
	assert.Equal(t, 0, metrics.ConnectedClients)

	_, ok = registry.Unregister(context.Background(), "conn-1")
	assert.False(t, ok)
	assert.Nil(t, registry.Topics("conn-1"))
}
