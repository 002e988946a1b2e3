package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

type sweepMetrics struct {
	noOpMetrics
	mu    sync.Mutex
	swept []int
}

func (m *sweepMetrics) IncSweptRequests(_ context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swept = append(m.swept, count)
}

func TestRecoverySweeper_FailsStaleRequests(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	stale := h.createRequest(t)
	h.clock.Advance(16 * time.Minute)
	fresh := h.createRequest(t)

	swept, err := h.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.ID()}, swept)

	assert.Equal(t, workflow.StageFailed, h.stage(t, stale.ID()))
	assert.Equal(t, workflow.StagePending, h.stage(t, fresh.ID()))

	events := h.publisher.EventsFor(stale.ID())
	require.Len(t, events, 1)
	assert.True(t, events[0].Forced)
	assert.Equal(t, workflow.StagePending, events[0].Previous)
}

func TestRecoverySweeper_InFlightStages(t *testing.T) {
	for _, stage := range []workflow.Stage{
		workflow.StageScanning,
		workflow.StageProcessing,
		workflow.StageGeneratingReport,
	} {
		t.Run(stage.String(), func(t *testing.T) {
			h := newHarness(t, nil, nil)
			req := h.createRequest(t)
			h.moveTo(t, req.ID(), stage)
			h.clock.Advance(20 * time.Minute)

			swept, err := h.sweeper.Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []uuid.UUID{req.ID()}, swept)
			assert.Equal(t, workflow.StageFailed, h.stage(t, req.ID()))
		})
	}
}

func TestRecoverySweeper_LeavesTerminalRequestsAlone(t *testing.T) {
	h := newHarness(t, nil, nil)

	completed := h.createRequest(t)
	h.moveTo(t, completed.ID(), workflow.StageCompleted)
	failed := h.createRequest(t)
	h.moveTo(t, failed.ID(), workflow.StageFailed)
	events := len(h.publisher.Events())

	h.clock.Advance(24 * time.Hour)

	swept, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Equal(t, workflow.StageCompleted, h.stage(t, completed.ID()))
	assert.Equal(t, workflow.StageFailed, h.stage(t, failed.ID()))
	assert.Len(t, h.publisher.Events(), events)
}

func TestRecoverySweeper_SecondSweepIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.createRequest(t)
	h.clock.Advance(time.Hour)

	first, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRecoverySweeper_CustomThreshold(t *testing.T) {
	h := newHarness(t, nil, nil)
	metrics := new(sweepMetrics)
	sweeper := NewRecoverySweeper(h.sm, h.store, logger.Noop(), testTracer,
		WithStalenessThreshold(time.Hour),
		WithSweeperMetrics(metrics),
	)
	sweeper.timeProvider = h.clock

	req := h.createRequest(t)
	h.clock.Advance(30 * time.Minute)

	swept, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept)

	h.clock.Advance(31 * time.Minute)
	swept, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{req.ID()}, swept)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []int{0, 1}, metrics.swept)
}

func TestRecoverySweeper_StartStop(t *testing.T) {
	h := newHarness(t, nil, nil)
	sweeper := NewRecoverySweeper(h.sm, h.store, logger.Noop(), testTracer,
		WithSweepInterval(10*time.Millisecond),
	)
	sweeper.timeProvider = h.clock

	req := h.createRequest(t)
	h.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	sweeper.Start(ctx)

	assert.Eventually(t, func() bool {
		stage, err := h.sm.GetStage(context.Background(), req.ID())
		return err == nil && stage == workflow.StageFailed
	}, 2*time.Second, 10*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
}
