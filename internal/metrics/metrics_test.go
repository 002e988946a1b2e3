package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

func TestMetrics_RecordsWithoutPanicking(t *testing.T) {
	m, err := New(noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.IncTransitions(ctx, workflow.StagePending, workflow.StageScanning, false)
	m.IncTransitionConflicts(ctx)
	m.IncPipelineRuns(ctx, "completed")
	m.ObservePipelineDuration(ctx, time.Second)
	m.IncSweptRequests(ctx, 2)
	m.IncEventsPublished(ctx)
	m.IncEventsDropped(ctx)
	m.IncMessagePublished(ctx, "stage-changes")
	m.IncPublishError(ctx, "stage-changes")
	m.IncRequestsTotal(ctx, "GET", "/v1/scans", 200)
	m.ObserveRequestDuration(ctx, "GET", "/v1/scans", time.Millisecond)
}

func TestMetrics_ConnectedClients(t *testing.T) {
	m, err := New(noop.NewMeterProvider())
	require.NoError(t, err)

	ctx := context.Background()
	m.IncConnectedClients(ctx)
	m.IncConnectedClients(ctx)
	m.DecConnectedClients(ctx)
	assert.Equal(t, int64(1), m.ConnectedClients())

	m.SetConnectedClients(ctx, 5)
	assert.Equal(t, int64(5), m.ConnectedClients())
}
