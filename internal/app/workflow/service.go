package workflow

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// FailureMessage is shown for FAILED requests. Internal error details are
// never exposed through status queries.
const FailureMessage = "The scan could not be completed."

// StatusReport is the read model returned by status queries.
type StatusReport struct {
	Request *workflow.ScanRequest
	Message string
	// Failed is set for FAILED requests.
	Failed bool
	// Results holds the normalized rows with report text once COMPLETED.
	Results []workflow.NormalizedResult
	// Running is true while a pipeline run holds the request in this process.
	Running bool
}

// TriggerResult lists the requests a manual trigger queued.
type TriggerResult struct {
	Queued []uuid.UUID
}

// Service is the application facade used by the API and the admin CLI.
type Service struct {
	store       workflow.Store
	sm          *StateMachine
	coordinator *Coordinator
	sweeper     *RecoverySweeper

	timeProvider timeProvider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewService wires the facade over its collaborators.
func NewService(
	store workflow.Store,
	sm *StateMachine,
	coordinator *Coordinator,
	sweeper *RecoverySweeper,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		store:        store,
		sm:           sm,
		coordinator:  coordinator,
		sweeper:      sweeper,
		timeProvider: realTimeProvider{},
		logger:       logger.With("component", "workflow_service"),
		tracer:       tracer,
	}
}

// CreateRequest persists a new PENDING request and dispatches the scan when a
// scan engine is configured.
func (s *Service) CreateRequest(ctx context.Context, targetURL string) (*workflow.ScanRequest, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_service.create_request",
		trace.WithAttributes(attribute.String("target_url", targetURL)))
	defer span.End()

	req, err := workflow.NewScanRequest(targetURL, s.timeProvider.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("request_id", req.ID().String()))

	s.logger.Info(ctx, "scan request created", "request_id", req.ID().String(), "target_url", targetURL)
	s.coordinator.DispatchScan(req)

	return req, nil
}

// ListRequests returns requests, optionally filtered by stage.
func (s *Service) ListRequests(ctx context.Context, filter workflow.ListFilter) ([]*workflow.ScanRequest, error) {
	return s.store.ListRequests(ctx, filter)
}

// Stage returns the persisted stage of a request.
func (s *Service) Stage(ctx context.Context, id uuid.UUID) (workflow.Stage, error) {
	return s.sm.GetStage(ctx, id)
}

// Status reports the persisted stage and, for completed requests, the results.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusReport, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_service.status",
		trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Request: req,
		Message: req.Stage().ProgressMessage(),
		Running: s.coordinator.Guard().IsRunning(id),
	}

	switch req.Stage() {
	case workflow.StageCompleted:
		results, err := s.store.ListNormalizedResults(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Results = results
	case workflow.StageFailed:
		report.Failed = true
		report.Message = FailureMessage
	}

	return report, nil
}

// Retry moves a FAILED request back to PENDING and dispatches the scan again.
// A request already PENDING is left as is.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (workflow.Stage, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_service.retry",
		trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	res, err := s.sm.Transition(ctx, id, workflow.StagePending)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if res.Changed {
		req, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return res.Current, err
		}
		s.coordinator.DispatchScan(req)
	}

	return res.Current, nil
}

// Ingest stores a scan payload and starts the pipeline when appropriate.
func (s *Service) Ingest(ctx context.Context, id uuid.UUID, payload []byte) (IngestResult, error) {
	return s.coordinator.Ingest(ctx, id, payload)
}

// Trigger queues a pipeline run for id, or for every eligible request when id is nil.
func (s *Service) Trigger(ctx context.Context, id *uuid.UUID) (TriggerResult, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_service.trigger")
	defer span.End()

	var ids []uuid.UUID
	if id != nil {
		if _, err := s.sm.GetStage(ctx, *id); err != nil {
			return TriggerResult{}, err
		}
		ids = []uuid.UUID{*id}
	} else {
		candidates, err := s.store.ListPipelineCandidates(ctx)
		if err != nil {
			return TriggerResult{}, err
		}
		ids = candidates
	}

	var result TriggerResult
	for _, rid := range ids {
		if !s.coordinator.Start(rid) {
			return result, ErrCoordinatorClosed
		}
		result.Queued = append(result.Queued, rid)
	}
	span.SetAttributes(attribute.Int("queued", len(result.Queued)))

	return result, nil
}

// RunAll runs the pipeline for every eligible request and waits for the results.
func (s *Service) RunAll(ctx context.Context) ([]RunOutcome, error) {
	return s.coordinator.RunAll(ctx)
}

// Run runs the pipeline for one request and waits for the result.
func (s *Service) Run(ctx context.Context, id uuid.UUID) (RunOutcome, error) {
	return s.coordinator.Run(ctx, id)
}

// ForceFail fails a request regardless of its stage.
func (s *Service) ForceFail(ctx context.Context, id uuid.UUID) (TransitionResult, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_service.force_fail",
		trace.WithAttributes(attribute.String("request_id", id.String())))
	defer span.End()

	res, err := s.sm.Transition(ctx, id, workflow.StageFailed, WithForce())
	if err != nil {
		return res, err
	}
	if res.Changed && res.Previous == workflow.StageCompleted {
		s.logger.Warn(ctx, "completed request overridden to failed", "request_id", id.String())
	}
	return res, nil
}

// Sweep runs one recovery sweep immediately.
func (s *Service) Sweep(ctx context.Context) ([]uuid.UUID, error) {
	return s.sweeper.Sweep(ctx)
}
