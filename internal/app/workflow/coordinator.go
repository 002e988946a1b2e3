package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// ErrCoordinatorClosed is returned when work is submitted after Shutdown.
var ErrCoordinatorClosed = errors.New("pipeline coordinator is shut down")

// RunStatus summarizes how a pipeline run ended.
type RunStatus string

const (
	// RunCompleted means the request reached COMPLETED.
	RunCompleted RunStatus = "completed"
	// RunFailed means the run recorded FAILED.
	RunFailed RunStatus = "failed"
	// RunSkipped means there was nothing to do or another run held the request.
	RunSkipped RunStatus = "skipped"
	// RunDiscarded means the stage moved underneath the run and its results were dropped.
	RunDiscarded RunStatus = "discarded"
)

// RunOutcome describes a single pipeline run.
type RunOutcome struct {
	RequestID uuid.UUID
	Status    RunStatus
	// Stage is the last stage the run observed or wrote.
	Stage  workflow.Stage
	Reason string
	// Err is the failure that ended the run, if any.
	Err error
}

// IngestResult describes what Ingest persisted and whether it started a run.
type IngestResult struct {
	RequestID  uuid.UUID
	PayloadID  int64
	Stage      workflow.Stage
	RunStarted bool
}

const (
	defaultReportConcurrency = 4
	defaultRunConcurrency    = 4
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithScanEngine sets the collaborator used to start scans. Without one,
// requests wait in PENDING until results are ingested.
func WithScanEngine(engine workflow.ScanEngine) CoordinatorOption {
	return func(c *Coordinator) { c.engine = engine }
}

// WithReportConcurrency bounds concurrent report generation calls per run.
func WithReportConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.reportConcurrency = n
		}
	}
}

// WithRunConcurrency bounds how many requests RunAll processes at once.
func WithRunConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.runConcurrency = n
		}
	}
}

// WithCoordinatorMetrics records pipeline run outcomes.
func WithCoordinatorMetrics(m WorkflowMetrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Coordinator sequences the normalize and report collaborators and drives the
// state machine between stages. It owns the per-request execution guard.
//
// A collaborator can answer after the request was force-failed or retried.
// Results are written only while the request is still at the stage the run
// expects; the store checks this inside the write, and a miss drops the result.
type Coordinator struct {
	sm         *StateMachine
	store      workflow.ResultStore
	normalizer workflow.Normalizer
	reporter   workflow.ReportGenerator
	engine     workflow.ScanEngine

	guard             *ExecutionGuard
	reportConcurrency int
	runConcurrency    int

	// Background runs use baseCtx so they outlive the request that started them.
	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup

	timeProvider timeProvider
	metrics      WorkflowMetrics
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewCoordinator creates a pipeline coordinator.
func NewCoordinator(
	sm *StateMachine,
	store workflow.ResultStore,
	normalizer workflow.Normalizer,
	reporter workflow.ReportGenerator,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...CoordinatorOption,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		sm:                sm,
		store:             store,
		normalizer:        normalizer,
		reporter:          reporter,
		guard:             NewExecutionGuard(),
		reportConcurrency: defaultReportConcurrency,
		runConcurrency:    defaultRunConcurrency,
		baseCtx:           ctx,
		cancel:            cancel,
		timeProvider:      realTimeProvider{},
		metrics:           noOpMetrics{},
		logger:            logger.With("component", "pipeline_coordinator"),
		tracer:            tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Guard exposes the execution guard for status reporting.
func (c *Coordinator) Guard() *ExecutionGuard { return c.guard }

func (c *Coordinator) goTracked(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.baseCtx)
	}()
	return true
}

// Ingest persists a raw payload and, when the request is waiting for results,
// starts a pipeline run in the background. It returns once the payload is
// stored.
func (c *Coordinator) Ingest(ctx context.Context, id uuid.UUID, payload []byte) (IngestResult, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.ingest",
		trace.WithAttributes(
			attribute.String("request_id", id.String()),
			attribute.Int("payload_size", len(payload)),
		))
	defer span.End()

	stage, err := c.sm.GetStage(ctx, id)
	if err != nil {
		span.RecordError(err)
		return IngestResult{}, err
	}

	raw := &workflow.RawScanPayload{
		RequestID:  id,
		Payload:    payload,
		ReceivedAt: c.timeProvider.Now(),
	}
	if err := c.store.AppendRawPayload(ctx, raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist raw payload")
		return IngestResult{}, err
	}

	result := IngestResult{RequestID: id, PayloadID: raw.ID, Stage: stage}
	if stage == workflow.StagePending || stage == workflow.StageScanning {
		result.RunStarted = c.Start(id)
	}
	span.SetAttributes(
		attribute.String("stage", stage.String()),
		attribute.Bool("run_started", result.RunStarted),
	)

	return result, nil
}

// Start runs the pipeline for id in the background. It returns false after Shutdown.
func (c *Coordinator) Start(id uuid.UUID) bool {
	return c.goTracked(func(ctx context.Context) {
		if _, err := c.Run(ctx, id); err != nil {
			c.logger.Error(ctx, "pipeline run failed", "request_id", id.String(), "error", err)
		}
	})
}

// DispatchScan moves a PENDING request to SCANNING and asks the scan engine to
// start, in the background. It returns false when no engine is configured or
// the coordinator is shut down.
func (c *Coordinator) DispatchScan(req *workflow.ScanRequest) bool {
	if c.engine == nil {
		return false
	}
	return c.goTracked(func(ctx context.Context) {
		if err := c.dispatchScan(ctx, req); err != nil {
			c.logger.Warn(ctx, "scan dispatch failed", "request_id", req.ID().String(), "error", err)
		}
	})
}

func (c *Coordinator) dispatchScan(ctx context.Context, req *workflow.ScanRequest) error {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.dispatch_scan",
		trace.WithAttributes(attribute.String("request_id", req.ID().String())))
	defer span.End()

	res, err := c.sm.Transition(ctx, req.ID(), workflow.StageScanning, ExpectingStage(workflow.StagePending))
	if err != nil {
		return err
	}
	if !res.Changed {
		span.AddEvent("scan_already_dispatched")
		return nil
	}

	if err := c.engine.StartScan(ctx, req); err != nil {
		cause := workflow.NewCollaboratorError("scan", err)
		span.RecordError(cause)
		if _, ferr := c.sm.Transition(ctx, req.ID(), workflow.StageFailed,
			WithForce(), ExpectingStage(workflow.StageScanning)); ferr != nil && !isConflict(ferr) {
			return errors.Join(cause, ferr)
		}
		return cause
	}
	return nil
}

// Wait blocks until every background run has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Shutdown stops accepting background work and waits for in-flight runs. If
// ctx expires first, outstanding runs are canceled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

// RunAll runs the pipeline for every request that has a raw payload and is
// neither COMPLETED nor FAILED. A failing request does not stop the others.
func (c *Coordinator) RunAll(ctx context.Context) ([]RunOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.run_all")
	defer span.End()

	ids, err := c.store.ListPipelineCandidates(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidate_count", len(ids)))

	outcomes := make([]RunOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(c.runConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			out, err := c.Run(ctx, id)
			if err != nil {
				out.RequestID = id
				if out.Err == nil {
					out.Err = err
				}
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

// Run executes the pipeline for one request while holding its execution
// guard. A concurrent attempt for the same request is skipped, but the holder
// runs once more afterwards if the request is still waiting for results.
//
// The returned error is non-nil only when the request is unknown or the
// outcome could not be recorded. Collaborator failures are recorded as a
// FAILED stage and reported through RunOutcome.Err.
func (c *Coordinator) Run(ctx context.Context, id uuid.UUID) (RunOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.run",
		trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	start := c.timeProvider.Now()
	logr := logger.NewLoggerContext(c.logger.With("request_id", id.String()))

	if !c.guard.TryAcquire(id) {
		span.AddEvent("run_already_in_progress")
		c.metrics.IncPipelineRuns(ctx, string(RunSkipped))
		return RunOutcome{RequestID: id, Status: RunSkipped, Reason: "run already in progress; rerun queued"}, nil
	}
	held := true
	defer func() {
		if held {
			c.guard.Release(id)
		}
	}()

	out, err := c.run(ctx, id, logr)
	passes := 1
	for c.guard.Finish(id) {
		if !c.wantsRerun(ctx, id) {
			continue
		}
		span.AddEvent("rerun_requested")
		out, err = c.run(ctx, id, logr)
		passes++
	}
	held = false

	c.metrics.IncPipelineRuns(ctx, string(out.Status))
	c.metrics.ObservePipelineDuration(ctx, c.timeProvider.Now().Sub(start))
	span.SetAttributes(
		attribute.String("outcome", string(out.Status)),
		attribute.String("stage", out.Stage.String()),
		attribute.Int("passes", passes),
	)

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline run error")
	case out.Err != nil:
		span.RecordError(out.Err)
		logr.Warn(ctx, "pipeline run ended without completing",
			"outcome", string(out.Status),
			"reason", out.Reason,
			"error", out.Err,
		)
	default:
		logr.Info(ctx, "pipeline run finished", "outcome", string(out.Status), "reason", out.Reason, "passes", passes)
	}

	return out, err
}

// wantsRerun reports whether a queued attempt still has work to do: the
// request must be waiting for results and ctx must be live.
func (c *Coordinator) wantsRerun(ctx context.Context, id uuid.UUID) bool {
	if ctx.Err() != nil {
		return false
	}
	stage, err := c.sm.GetStage(ctx, id)
	if err != nil {
		return false
	}
	return stage == workflow.StagePending || stage == workflow.StageScanning
}

func (c *Coordinator) run(ctx context.Context, id uuid.UUID, logr *logger.LoggerContext) (RunOutcome, error) {
	out := RunOutcome{RequestID: id}

	stage, err := c.sm.GetStage(ctx, id)
	if err != nil {
		return out, err
	}
	out.Stage = stage
	logr.Add("initial_stage", stage.String())

	switch stage {
	case workflow.StageCompleted:
		return skipped(out, "already completed"), nil
	case workflow.StageFailed:
		return skipped(out, "request failed; retry required"), nil
	}

	var rows []workflow.NormalizedResult
	if stage == workflow.StageGeneratingReport {
		// A previous run stopped after normalization; resume from the stored rows.
		if rows, err = c.store.ListNormalizedResults(ctx, id); err != nil {
			return c.fail(ctx, out, stage, err)
		}
	} else {
		var done bool
		rows, out, done, err = c.normalize(ctx, out)
		if done {
			return out, err
		}
	}

	return c.report(ctx, out, rows)
}

// normalize advances the request to PROCESSING, calls the normalizer, stores
// its rows, and moves to GENERATING_REPORT. done is true when the run ended.
func (c *Coordinator) normalize(
	ctx context.Context,
	out RunOutcome,
) (rows []workflow.NormalizedResult, _ RunOutcome, done bool, _ error) {
	id := out.RequestID

	payload, err := c.store.LatestRawPayload(ctx, id)
	if errors.Is(err, workflow.ErrNoRawPayload) {
		return nil, skipped(out, "no raw scan payload"), true, nil
	}
	if err != nil {
		o, ferr := c.fail(ctx, out, out.Stage, err)
		return nil, o, true, ferr
	}

	stage, err := c.advanceToProcessing(ctx, id, out.Stage)
	out.Stage = stage
	if err != nil {
		if isConflict(err) {
			return nil, discarded(out, "stage changed before processing"), true, nil
		}
		o, ferr := c.fail(ctx, out, stage, err)
		return nil, o, true, ferr
	}

	normalized, nerr := c.normalizer.Normalize(ctx, payload)
	if nerr != nil {
		o, ferr := c.fail(ctx, out, workflow.StageProcessing, workflow.NewCollaboratorError("normalize", nerr))
		return nil, o, true, ferr
	}

	now := c.timeProvider.Now()
	for i := range normalized {
		if normalized[i].CreatedAt.IsZero() {
			normalized[i].CreatedAt = now
		}
	}

	rows, err = c.store.SaveNormalizedResults(ctx, id, workflow.StageProcessing, normalized)
	if err != nil {
		if isConflict(err) {
			return nil, discarded(out, "stage changed during normalization"), true, nil
		}
		o, ferr := c.fail(ctx, out, workflow.StageProcessing, err)
		return nil, o, true, ferr
	}

	if _, err := c.sm.Transition(ctx, id, workflow.StageGeneratingReport,
		ExpectingStage(workflow.StageProcessing)); err != nil {
		if isConflict(err) {
			return nil, discarded(out, "stage changed before report generation"), true, nil
		}
		o, ferr := c.fail(ctx, out, workflow.StageProcessing, err)
		return nil, o, true, ferr
	}
	out.Stage = workflow.StageGeneratingReport

	return rows, out, false, nil
}

func (c *Coordinator) report(ctx context.Context, out RunOutcome, rows []workflow.NormalizedResult) (RunOutcome, error) {
	id := out.RequestID

	reports, err := c.generateReports(ctx, rows)
	if err != nil {
		return c.fail(ctx, out, workflow.StageGeneratingReport, err)
	}

	byRow := make(map[int64]string, len(rows))
	for i, row := range rows {
		byRow[row.ID] = reports[i]
	}
	if err := c.store.SaveReports(ctx, id, workflow.StageGeneratingReport, byRow); err != nil {
		if isConflict(err) {
			return discarded(out, "stage changed during report generation"), nil
		}
		return c.fail(ctx, out, workflow.StageGeneratingReport, err)
	}

	if _, err := c.sm.Transition(ctx, id, workflow.StageCompleted,
		ExpectingStage(workflow.StageGeneratingReport)); err != nil {
		if isConflict(err) {
			return discarded(out, "stage changed before completion"), nil
		}
		return c.fail(ctx, out, workflow.StageGeneratingReport, err)
	}

	out.Status = RunCompleted
	out.Stage = workflow.StageCompleted
	return out, nil
}

func (c *Coordinator) generateReports(ctx context.Context, rows []workflow.NormalizedResult) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline_coordinator.generate_reports",
		trace.WithAttributes(attribute.Int("row_count", len(rows))))
	defer span.End()

	reports := make([]string, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.reportConcurrency)
	for i, row := range rows {
		g.Go(func() error {
			text, err := c.reporter.GenerateReport(gctx, row)
			if err != nil {
				return workflow.NewCollaboratorError("report", fmt.Errorf("row %d: %w", row.ID, err))
			}
			reports[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return reports, nil
}

// advanceToProcessing walks the allowed edges from PENDING or SCANNING to PROCESSING.
func (c *Coordinator) advanceToProcessing(ctx context.Context, id uuid.UUID, stage workflow.Stage) (workflow.Stage, error) {
	for stage != workflow.StageProcessing {
		var next workflow.Stage
		switch stage {
		case workflow.StagePending:
			next = workflow.StageScanning
		case workflow.StageScanning:
			next = workflow.StageProcessing
		default:
			return stage, &workflow.TransitionError{From: stage, To: workflow.StageProcessing}
		}

		res, err := c.sm.Transition(ctx, id, next, ExpectingStage(stage))
		if err != nil {
			return stage, err
		}
		stage = res.Current
	}
	return stage, nil
}

// fail records FAILED unless another writer already moved the request away
// from expected. The cause is reported through the outcome.
func (c *Coordinator) fail(ctx context.Context, out RunOutcome, expected workflow.Stage, cause error) (RunOutcome, error) {
	out.Err = cause

	res, err := c.sm.Transition(ctx, out.RequestID, workflow.StageFailed, WithForce(), ExpectingStage(expected))
	if err != nil {
		if isConflict(err) {
			return discarded(out, "stage changed before failure was recorded"), nil
		}
		out.Status = RunFailed
		return out, fmt.Errorf("failed to record pipeline failure: %w", errors.Join(cause, err))
	}

	out.Status = RunFailed
	out.Stage = res.Current
	out.Reason = "pipeline step failed"
	return out, nil
}

func skipped(out RunOutcome, reason string) RunOutcome {
	out.Status = RunSkipped
	out.Reason = reason
	return out
}

func discarded(out RunOutcome, reason string) RunOutcome {
	out.Status = RunDiscarded
	out.Reason = reason
	return out
}
