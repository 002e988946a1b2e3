package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "scanflow.db"), DefaultOptions(), storage.NoOpTracer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createRequest(t *testing.T, s *Store, createdAt time.Time) *workflow.ScanRequest {
	t.Helper()

	req, err := workflow.NewScanRequest("https://example.com", createdAt)
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(context.Background(), req))
	return req
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	req := createRequest(t, s, now)

	got, err := s.GetRequest(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, req.ID(), got.ID())
	assert.Equal(t, "https://example.com", got.TargetURL())
	assert.Equal(t, workflow.StagePending, got.Stage())
	assert.True(t, req.CreatedAt().Equal(got.CreatedAt()))

	_, err = s.GetRequest(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)

	_, err = s.GetStage(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
}

func TestStore_InMemory(t *testing.T) {
	t.Parallel()

	s, err := Open(":memory:", DefaultOptions(), storage.NoOpTracer())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	req := createRequest(t, s, time.Now())

	stage, err := s.GetStage(context.Background(), req.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePending, stage)
}

func TestStore_CompareAndSwapStage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, time.Now())

	ok, err := s.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageScanning, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	stage, err := s.GetStage(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StageScanning, stage)
}

func TestStore_CompareAndSwapStageConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, time.Now())

	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestStore_ListAndStale(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := createRequest(t, s, now.Add(-time.Hour))
	fresh := createRequest(t, s, now)
	failed := createRequest(t, s, now.Add(-2*time.Hour))
	ok, err := s.CompareAndSwapStage(ctx, failed.ID(), workflow.StagePending, workflow.StageFailed, now)
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.ListRequests(ctx, workflow.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, fresh.ID(), all[0].ID())

	stage := workflow.StageFailed
	onlyFailed, err := s.ListRequests(ctx, workflow.ListFilter{Stage: &stage})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, failed.ID(), onlyFailed[0].ID())

	limited, err := s.ListRequests(ctx, workflow.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, old.ID(), limited[0].ID())

	stale, err := s.FindStaleRequests(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{old.ID()}, stale)
}

func TestStore_PayloadsAndResults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, time.Now())

	_, err := s.LatestRawPayload(ctx, req.ID())
	assert.ErrorIs(t, err, workflow.ErrNoRawPayload)

	first := &workflow.RawScanPayload{RequestID: req.ID(), Payload: []byte(`{"n":1}`), ReceivedAt: time.Now()}
	second := &workflow.RawScanPayload{RequestID: req.ID(), Payload: []byte(`{"n":2}`), ReceivedAt: time.Now()}
	require.NoError(t, s.AppendRawPayload(ctx, first))
	require.NoError(t, s.AppendRawPayload(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	latest, err := s.LatestRawPayload(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(latest.Payload))

	candidates, err := s.ListPipelineCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{req.ID()}, candidates)

	saved, err := s.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, []workflow.NormalizedResult{
		{Target: "example.com", Port: 22, Service: "ssh", Metadata: json.RawMessage(`{"banner": "OpenSSH"}`)},
		{Target: "example.com", Port: 443},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	require.NoError(t, s.SaveReports(ctx, req.ID(), workflow.StagePending, map[int64]string{saved[1].ID: "TLS is enabled"}))

	rows, err := s.ListNormalizedResults(ctx, req.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, `{"banner": "OpenSSH"}`, string(rows[0].Metadata), "metadata is returned verbatim")
	assert.Equal(t, "{}", string(rows[1].Metadata))
	assert.False(t, rows[0].HasReport())
	require.True(t, rows[1].HasReport())
	assert.Equal(t, "TLS is enabled", *rows[1].Report)

	err = s.SaveReports(ctx, req.ID(), workflow.StagePending, map[int64]string{424242: "nope"})
	assert.ErrorIs(t, err, workflow.ErrPersistence)

	ok, err := s.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	candidates, err = s.ListPipelineCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestStore_ResultWritesRequireExpectedStage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, time.Now())

	saved, err := s.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, []workflow.NormalizedResult{
		{Target: "example.com", Port: 80},
	})
	require.NoError(t, err)

	ok, err := s.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, []workflow.NormalizedResult{
		{Target: "example.com", Port: 443},
		{Target: "example.com", Port: 8443},
	})
	assert.ErrorIs(t, err, workflow.ErrConflict)
	assert.NotErrorIs(t, err, workflow.ErrPersistence)

	err = s.SaveReports(ctx, req.ID(), workflow.StagePending, map[int64]string{saved[0].ID: "late"})
	assert.ErrorIs(t, err, workflow.ErrConflict)

	rows, err := s.ListNormalizedResults(ctx, req.ID())
	require.NoError(t, err)
	require.Len(t, rows, 1, "earlier batch is untouched")
	assert.Equal(t, 80, rows[0].Port)
	assert.False(t, rows[0].HasReport())

	_, err = s.SaveNormalizedResults(ctx, uuid.New(), workflow.StagePending, nil)
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
}
