package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

func newEvent(id uuid.UUID, prev, cur workflow.Stage) workflow.StateChangeEvent {
	return workflow.NewStateChangeEvent(id, prev, cur, false, time.Now())
}

func receive(t *testing.T, sub *Subscription) workflow.StateChangeEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return workflow.StateChangeEvent{}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	id := uuid.New()
	sub := broker.Subscribe(id, 4)
	defer sub.Close()

	require.NoError(t, broker.Publish(context.Background(), newEvent(id, workflow.StagePending, workflow.StageScanning)))

	evt := receive(t, sub)
	assert.Equal(t, id, evt.RequestID)
	assert.Equal(t, workflow.StagePending, evt.Previous)
	assert.Equal(t, workflow.StageScanning, evt.Current)
}

func TestBroker_TopicsAreIsolated(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	a, b := uuid.New(), uuid.New()
	subA := broker.Subscribe(a, 4)
	subB := broker.Subscribe(b, 4)

	require.NoError(t, broker.Publish(context.Background(), newEvent(a, workflow.StagePending, workflow.StageFailed)))

	assert.Equal(t, a, receive(t, subA).RequestID)
	select {
	case evt := <-subB.C():
		t.Fatalf("unexpected event for other topic: %+v", evt)
	default:
	}
}

func TestBroker_PreservesPublishOrder(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	id := uuid.New()
	sub := broker.Subscribe(id, 8)

	path := []workflow.Stage{
		workflow.StagePending,
		workflow.StageScanning,
		workflow.StageProcessing,
		workflow.StageGeneratingReport,
		workflow.StageCompleted,
	}
	for i := 1; i < len(path); i++ {
		require.NoError(t, broker.Publish(context.Background(), newEvent(id, path[i-1], path[i])))
	}

	for i := 1; i < len(path); i++ {
		evt := receive(t, sub)
		assert.Equal(t, path[i-1], evt.Previous)
		assert.Equal(t, path[i], evt.Current)
	}
}

func TestBroker_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	id := uuid.New()
	slow := broker.Subscribe(id, 1)
	fast := broker.Subscribe(id, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			_ = broker.Publish(context.Background(), newEvent(id, workflow.StagePending, workflow.StageScanning))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, uint64(2), broker.Dropped())
	assert.Len(t, fast.C(), 3)
	assert.Len(t, slow.C(), 1)
}

func TestBroker_SubscribeAll(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	all := broker.SubscribeAll(4)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, broker.Publish(context.Background(), newEvent(a, workflow.StagePending, workflow.StageScanning)))
	require.NoError(t, broker.Publish(context.Background(), newEvent(b, workflow.StagePending, workflow.StageFailed)))

	assert.Equal(t, a, receive(t, all).RequestID)
	assert.Equal(t, b, receive(t, all).RequestID)
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	id := uuid.New()
	sub := broker.Subscribe(id, 1)
	assert.Equal(t, 1, broker.SubscriberCount(id))

	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, broker.SubscriberCount(id))

	// Publishing to a topic with no subscribers is not an error.
	assert.NoError(t, broker.Publish(context.Background(), newEvent(id, workflow.StagePending, workflow.StageFailed)))
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe(uuid.New(), 1)

	broker.Close()
	broker.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	err := broker.Publish(context.Background(), newEvent(uuid.New(), workflow.StagePending, workflow.StageFailed))
	assert.ErrorIs(t, err, ErrBrokerClosed)

	late := broker.Subscribe(uuid.New(), 1)
	_, ok = <-late.C()
	assert.False(t, ok)
	late.Close()
}

func TestBroker_PublishCanceledContext(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := broker.Publish(ctx, newEvent(uuid.New(), workflow.StagePending, workflow.StageFailed))
	assert.ErrorIs(t, err, context.Canceled)
}

type countingMetrics struct {
	published atomic.Int32
	dropped   atomic.Int32
}

func (m *countingMetrics) IncEventsPublished(context.Context) { m.published.Add(1) }
func (m *countingMetrics) IncEventsDropped(context.Context)   { m.dropped.Add(1) }

func TestBroker_Metrics(t *testing.T) {
	m := new(countingMetrics)
	broker := NewBroker(WithMetrics(m))
	defer broker.Close()

	id := uuid.New()
	broker.Subscribe(id, 1)
	for range 2 {
		require.NoError(t, broker.Publish(context.Background(), newEvent(id, workflow.StagePending, workflow.StageFailed)))
	}

	assert.Equal(t, int32(2), m.published.Load())
	assert.Equal(t, int32(1), m.dropped.Load())
}

func TestBroker_ConcurrentSubscribeAndPublish(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	id := uuid.New()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := broker.Subscribe(id, 2)
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			_ = broker.Publish(context.Background(), newEvent(id, workflow.StagePending, workflow.StageScanning))
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, broker.SubscriberCount(id))
}
