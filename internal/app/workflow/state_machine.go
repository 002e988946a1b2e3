package workflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// lockStripes bounds the number of mutexes used to serialize transitions.
const lockStripes = 64

// TransitionResult describes the outcome of a successful Transition call.
type TransitionResult struct {
	RequestID uuid.UUID
	Previous  workflow.Stage
	Current   workflow.Stage
	// Changed is false when the request was already in the target stage.
	Changed bool
	Forced  bool
	At      time.Time
}

type transitionOptions struct {
	force    bool
	expected *workflow.Stage
}

// TransitionOption configures a single Transition call.
type TransitionOption func(*transitionOptions)

// WithForce bypasses the allowed-edge check. The compare-and-swap still applies.
func WithForce() TransitionOption {
	return func(o *transitionOptions) { o.force = true }
}

// ExpectingStage makes the call fail with workflow.ErrConflict unless the
// request is currently in stage s. A request already in the target stage is
// still a no-op success.
func ExpectingStage(s workflow.Stage) TransitionOption {
	return func(o *transitionOptions) { o.expected = &s }
}

// StateMachine is the only writer of request stages. Every write is a
// compare-and-swap against the stage it just read, and every applied
// transition is published after it commits.
//
// Transitions for the same request are serialized in-process so that events
// are published in commit order. The compare-and-swap, not the lock, is what
// protects the stored value from concurrent writers in other processes.
type StateMachine struct {
	store     workflow.StateStore
	publisher workflow.EventPublisher

	locks [lockStripes]sync.Mutex

	timeProvider timeProvider
	metrics      WorkflowMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewStateMachine creates a state machine backed by store that publishes
// events to publisher.
func NewStateMachine(
	store workflow.StateStore,
	publisher workflow.EventPublisher,
	metrics WorkflowMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *StateMachine {
	if metrics == nil {
		metrics = noOpMetrics{}
	}
	return &StateMachine{
		store:        store,
		publisher:    publisher,
		timeProvider: realTimeProvider{},
		metrics:      metrics,
		logger:       logger.With("component", "state_machine"),
		tracer:       tracer,
	}
}

func (m *StateMachine) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &m.locks[h.Sum32()%lockStripes]
}

// GetStage returns the persisted stage of a request.
func (m *StateMachine) GetStage(ctx context.Context, id uuid.UUID) (workflow.Stage, error) {
	return m.store.GetStage(ctx, id)
}

// Transition moves a request to target.
//
// A request already in target is a successful no-op and publishes nothing.
// Without WithForce the edge must be allowed. If the stored stage changes
// between the read and the write the call fails with workflow.ErrConflict.
func (m *StateMachine) Transition(
	ctx context.Context,
	id uuid.UUID,
	target workflow.Stage,
	opts ...TransitionOption,
) (TransitionResult, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := m.tracer.Start(ctx, "state_machine.transition",
		trace.WithAttributes(
			attribute.String("request_id", id.String()),
			attribute.String("target_stage", target.String()),
			attribute.Bool("forced", o.force),
		))
	defer span.End()

	if !target.IsValid() {
		err := fmt.Errorf("%w: %q", workflow.ErrInvalidStage, target)
		span.SetStatus(codes.Error, err.Error())
		return TransitionResult{}, err
	}

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.store.GetStage(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read stage")
		return TransitionResult{}, err
	}
	span.SetAttributes(attribute.String("current_stage", current.String()))

	result := TransitionResult{
		RequestID: id,
		Previous:  current,
		Current:   current,
		Forced:    o.force,
	}

	if current == target {
		span.AddEvent("transition_noop")
		return result, nil
	}

	if o.expected != nil && current != *o.expected {
		m.metrics.IncTransitionConflicts(ctx)
		span.AddEvent("unexpected_current_stage")
		return result, fmt.Errorf("%w: expected %s, found %s", workflow.ErrConflict, *o.expected, current)
	}

	if !o.force {
		if err := current.ValidateTransition(target); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
	}

	now := m.timeProvider.Now()
	swapped, err := m.store.CompareAndSwapStage(ctx, id, current, target, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist stage")
		return result, err
	}
	if !swapped {
		m.metrics.IncTransitionConflicts(ctx)
		span.AddEvent("compare_and_swap_lost")
		return result, fmt.Errorf("%w: stage is no longer %s", workflow.ErrConflict, current)
	}

	result.Current = target
	result.Changed = true
	result.At = now
	m.metrics.IncTransitions(ctx, current, target, o.force)

	evt := workflow.NewStateChangeEvent(id, current, target, o.force, now)
	if err := m.publisher.Publish(ctx, evt); err != nil {
		// The stage is committed; subscribers can always re-read it.
		m.logger.Warn(ctx, "failed to publish stage change",
			"request_id", id.String(),
			"previous_stage", current.String(),
			"stage", target.String(),
			"error", err,
		)
		span.RecordError(err)
	}

	m.logger.Info(ctx, "stage transitioned",
		"request_id", id.String(),
		"previous_stage", current.String(),
		"stage", target.String(),
		"forced", o.force,
	)
	span.SetStatus(codes.Ok, "stage transitioned")

	return result, nil
}

// isConflict reports whether err means another writer moved the request first.
func isConflict(err error) bool { return errors.Is(err, workflow.ErrConflict) }
