package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/storage/workflow/sqlite"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var testTracer = noop.NewTracerProvider().Tracer("test")

// mockTimeProvider returns a settable instant.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// recordingPublisher implements workflow.EventPublisher and keeps every event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []workflow.StateChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt workflow.StateChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Events() []workflow.StateChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]workflow.StateChangeEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) EventsFor(id uuid.UUID) []workflow.StateChangeEvent {
	var out []workflow.StateChangeEvent
	for _, e := range p.Events() {
		if e.RequestID == id {
			out = append(out, e)
		}
	}
	return out
}

// fakeNormalizer implements workflow.Normalizer with a swappable function.
type fakeNormalizer struct {
	calls atomic.Int32
	fn    func(context.Context, *workflow.RawScanPayload) ([]workflow.NormalizedResult, error)
}

func (f *fakeNormalizer) Normalize(ctx context.Context, p *workflow.RawScanPayload) ([]workflow.NormalizedResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, p)
}

// rowsNormalizer yields n rows for any payload.
func rowsNormalizer(n int) *fakeNormalizer {
	return &fakeNormalizer{fn: func(_ context.Context, p *workflow.RawScanPayload) ([]workflow.NormalizedResult, error) {
		rows := make([]workflow.NormalizedResult, n)
		for i := range rows {
			rows[i] = workflow.NormalizedResult{
				Target:   "example.com",
				Port:     8000 + i,
				Service:  "http",
				Metadata: json.RawMessage(fmt.Sprintf(`{"state":"open","index":%d}`, i)),
			}
		}
		return rows, nil
	}}
}

func failingNormalizer(err error) *fakeNormalizer {
	return &fakeNormalizer{fn: func(context.Context, *workflow.RawScanPayload) ([]workflow.NormalizedResult, error) {
		return nil, err
	}}
}

// fakeReporter implements workflow.ReportGenerator.
type fakeReporter struct {
	calls atomic.Int32
	fn    func(context.Context, workflow.NormalizedResult) (string, error)
}

func (f *fakeReporter) GenerateReport(ctx context.Context, row workflow.NormalizedResult) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, row)
	}
	return fmt.Sprintf("port %d runs %s", row.Port, row.Service), nil
}

// mockScanEngine implements workflow.ScanEngine for testing.
type mockScanEngine struct{ mock.Mock }

func (m *mockScanEngine) StartScan(ctx context.Context, req *workflow.ScanRequest) error {
	args := m.Called(ctx, req.ID())
	return args.Error(0)
}

// casStealingStore moves the stage to stealTo right before the first
// compare-and-swap, imitating a writer in another process.
type casStealingStore struct {
	workflow.Store
	stealTo workflow.Stage
	once    sync.Once
}

func (s *casStealingStore) CompareAndSwapStage(
	ctx context.Context,
	id uuid.UUID,
	expected, next workflow.Stage,
	at time.Time,
) (bool, error) {
	s.once.Do(func() {
		_, _ = s.Store.CompareAndSwapStage(ctx, id, expected, s.stealTo, at)
	})
	return s.Store.CompareAndSwapStage(ctx, id, expected, next, at)
}

// stageMovingStore fails the request right before a result write, imitating
// an operator whose force-fail lands between a collaborator reply and the write.
type stageMovingStore struct {
	workflow.Store
	onRows    bool
	onReports bool
}

func (s *stageMovingStore) SaveNormalizedResults(
	ctx context.Context,
	id uuid.UUID,
	expected workflow.Stage,
	rows []workflow.NormalizedResult,
) ([]workflow.NormalizedResult, error) {
	if s.onRows {
		_, _ = s.Store.CompareAndSwapStage(ctx, id, expected, workflow.StageFailed, time.Now())
	}
	return s.Store.SaveNormalizedResults(ctx, id, expected, rows)
}

func (s *stageMovingStore) SaveReports(
	ctx context.Context,
	id uuid.UUID,
	expected workflow.Stage,
	reports map[int64]string,
) error {
	if s.onReports {
		_, _ = s.Store.CompareAndSwapStage(ctx, id, expected, workflow.StageFailed, time.Now())
	}
	return s.Store.SaveReports(ctx, id, expected, reports)
}

// rerunQueued reports whether a turned-away attempt is waiting on id.
func rerunQueued(g *ExecutionGuard, id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[id]
}

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(":memory:", sqlite.DefaultOptions(), testTracer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type harness struct {
	store       workflow.Store
	publisher   *recordingPublisher
	clock       *mockTimeProvider
	sm          *StateMachine
	coordinator *Coordinator
	sweeper     *RecoverySweeper
	svc         *Service
	normalizer  *fakeNormalizer
	reporter    *fakeReporter
}

func newHarness(t *testing.T, normalizer *fakeNormalizer, reporter *fakeReporter, opts ...CoordinatorOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, newTestStore(t), normalizer, reporter, opts...)
}

func newHarnessWithStore(
	t *testing.T,
	store workflow.Store,
	normalizer *fakeNormalizer,
	reporter *fakeReporter,
	opts ...CoordinatorOption,
) *harness {
	t.Helper()

	if normalizer == nil {
		normalizer = rowsNormalizer(1)
	}
	if reporter == nil {
		reporter = &fakeReporter{}
	}

	log := logger.Noop()
	clock := &mockTimeProvider{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	pub := new(recordingPublisher)

	sm := NewStateMachine(store, pub, nil, log, testTracer)
	sm.timeProvider = clock

	coord := NewCoordinator(sm, store, normalizer, reporter, log, testTracer, opts...)
	coord.timeProvider = clock
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	sweeper := NewRecoverySweeper(sm, store, log, testTracer)
	sweeper.timeProvider = clock

	svc := NewService(store, sm, coord, sweeper, log, testTracer)
	svc.timeProvider = clock

	return &harness{
		store:       store,
		publisher:   pub,
		clock:       clock,
		sm:          sm,
		coordinator: coord,
		sweeper:     sweeper,
		svc:         svc,
		normalizer:  normalizer,
		reporter:    reporter,
	}
}

func (h *harness) createRequest(t *testing.T) *workflow.ScanRequest {
	t.Helper()

	req, err := h.svc.CreateRequest(context.Background(), "https://example.com")
	require.NoError(t, err)
	return req
}

// moveTo walks the allowed edges from PENDING to stage.
func (h *harness) moveTo(t *testing.T, id uuid.UUID, stage workflow.Stage) {
	t.Helper()

	path := map[workflow.Stage][]workflow.Stage{
		workflow.StagePending:          nil,
		workflow.StageScanning:         {workflow.StageScanning},
		workflow.StageProcessing:       {workflow.StageScanning, workflow.StageProcessing},
		workflow.StageGeneratingReport: {workflow.StageScanning, workflow.StageProcessing, workflow.StageGeneratingReport},
		workflow.StageCompleted:        {workflow.StageScanning, workflow.StageProcessing, workflow.StageGeneratingReport, workflow.StageCompleted},
		workflow.StageFailed:           {workflow.StageFailed},
	}
	for _, next := range path[stage] {
		_, err := h.sm.Transition(context.Background(), id, next)
		require.NoError(t, err)
	}
}

func (h *harness) stage(t *testing.T, id uuid.UUID) workflow.Stage {
	t.Helper()

	stage, err := h.sm.GetStage(context.Background(), id)
	require.NoError(t, err)
	return stage
}
