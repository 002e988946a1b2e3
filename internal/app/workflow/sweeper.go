package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

const (
	// DefaultSweepInterval is how often the sweeper looks for stuck requests.
	DefaultSweepInterval = 30 * time.Minute
	// DefaultStalenessThreshold is how long after creation a non-terminal
	// request is considered stuck.
	DefaultStalenessThreshold = 15 * time.Minute
)

// SweeperOption configures a RecoverySweeper.
type SweeperOption func(*RecoverySweeper)

// WithSweepInterval sets the period between sweeps.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *RecoverySweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStalenessThreshold sets the age after which a non-terminal request is failed.
func WithStalenessThreshold(d time.Duration) SweeperOption {
	return func(s *RecoverySweeper) {
		if d > 0 {
			s.threshold = d
		}
	}
}

// WithSweeperMetrics records how many requests each sweep failed.
func WithSweeperMetrics(m WorkflowMetrics) SweeperOption {
	return func(s *RecoverySweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

// RecoverySweeper force-fails requests that stayed in a non-terminal stage
// past the staleness threshold. It is the backstop that guarantees no request
// remains in progress forever.
type RecoverySweeper struct {
	sm    *StateMachine
	store workflow.StateStore

	interval  time.Duration
	threshold time.Duration

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}

	timeProvider timeProvider
	metrics      WorkflowMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewRecoverySweeper creates a sweeper with the default interval and threshold.
func NewRecoverySweeper(
	sm *StateMachine,
	store workflow.StateStore,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...SweeperOption,
) *RecoverySweeper {
	s := &RecoverySweeper{
		sm:           sm,
		store:        store,
		interval:     DefaultSweepInterval,
		threshold:    DefaultStalenessThreshold,
		timeProvider: realTimeProvider{},
		metrics:      noOpMetrics{},
		logger:       logger.With("component", "recovery_sweeper"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// errSweeperStopped is the cancellation cause used by Stop.
var errSweeperStopped = errors.New("recovery sweeper stopped")

// Start launches the periodic sweep loop. Calling Start on a running sweeper
// is a no-op.
func (s *RecoverySweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancelCause(ctx)
	s.done = make(chan struct{})

	s.logger.Info(ctx, "recovery sweeper started",
		"interval", s.interval.String(),
		"threshold", s.threshold.String(),
	)

	go func(done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.Error(ctx, "recovery sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}(s.done)
}

// Stop ends the sweep loop and waits for an in-progress sweep to return.
func (s *RecoverySweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel(errSweeperStopped)
	<-done
}

// Sweep fails every stale request once and returns the ids it changed. A
// failure on one request is logged and does not stop the sweep.
func (s *RecoverySweeper) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	now := s.timeProvider.Now()
	cutoff := now.Add(-s.threshold)

	ctx, span := s.tracer.Start(ctx, "recovery_sweeper.sweep",
		trace.WithAttributes(
			attribute.String("cutoff_time", cutoff.Format(time.RFC3339)),
			attribute.String("threshold", s.threshold.String()),
		))
	defer span.End()

	ids, err := s.store.FindStaleRequests(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find stale requests")
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidate_count", len(ids)))

	affected := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		logr := s.logger.With("request_id", id.String())

		stage, err := s.sm.GetStage(ctx, id)
		if err != nil {
			logr.Warn(ctx, "failed to read stage of stale request", "error", err)
			continue
		}
		// The request may have finished since the query ran.
		if stage.IsTerminal() {
			continue
		}

		res, err := s.sm.Transition(ctx, id, workflow.StageFailed, WithForce(), ExpectingStage(stage))
		if err != nil {
			logr.Warn(ctx, "failed to fail stale request", "stage", stage.String(), "error", err)
			span.RecordError(err)
			continue
		}
		if res.Changed {
			affected = append(affected, id)
			logr.Info(ctx, "failed stale request", "previous_stage", stage.String())
		}
	}

	s.metrics.IncSweptRequests(ctx, len(affected))
	span.SetAttributes(attribute.Int("failed_count", len(affected)))
	span.SetStatus(codes.Ok, "sweep complete")

	return affected, nil
}
