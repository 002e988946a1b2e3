package workflow

import (
	"context"
	"time"

	"github.com/ahrav/scanflow/internal/domain/workflow"
)

// WorkflowMetrics records state machine, pipeline, and sweeper activity.
type WorkflowMetrics interface {
	IncTransitions(ctx context.Context, from, to workflow.Stage, forced bool)
	IncTransitionConflicts(ctx context.Context)
	IncPipelineRuns(ctx context.Context, outcome string)
	ObservePipelineDuration(ctx context.Context, d time.Duration)
	IncSweptRequests(ctx context.Context, count int)
}

type noOpMetrics struct{}

func (noOpMetrics) IncTransitions(context.Context, workflow.Stage, workflow.Stage, bool) {}
func (noOpMetrics) IncTransitionConflicts(context.Context)                              {}
func (noOpMetrics) IncPipelineRuns(context.Context, string)                             {}
func (noOpMetrics) ObservePipelineDuration(context.Context, time.Duration)              {}
func (noOpMetrics) IncSweptRequests(context.Context, int)                               {}

// NoOpMetrics returns a WorkflowMetrics that discards everything.
func NoOpMetrics() WorkflowMetrics { return noOpMetrics{} }
