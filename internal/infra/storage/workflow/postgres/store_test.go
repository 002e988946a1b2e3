package postgres

import (
	"context"
	"encoding/json"
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

type storeTestSuite struct {
	store   *store
	cleanup func()
}

func setupStoreTest(t *testing.T) *storeTestSuite {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	return &storeTestSuite{
		store:   NewStore(pool, storage.NoOpTracer()),
		cleanup: cleanup,
	}
}

func createTestRequest(t *testing.T, s *store, createdAt time.Time) *workflow.ScanRequest {
	t.Helper()

	req, err := workflow.NewScanRequest("https://example.com", createdAt)
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(context.Background(), req))
	return req
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	got, err := suite.store.GetRequest(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, req.ID(), got.ID())
	assert.Equal(t, req.TargetURL(), got.TargetURL())
	assert.Equal(t, workflow.StagePending, got.Stage())
	assert.WithinDuration(t, req.CreatedAt(), got.CreatedAt(), time.Millisecond)

	stage, err := suite.store.GetStage(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePending, stage)
}

func TestStore_GetUnknown(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()

	_, err := suite.store.GetRequest(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)

	_, err = suite.store.GetStage(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
}

func TestStore_CompareAndSwapStage(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	swapped, err := suite.store.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageScanning, time.Now())
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = suite.store.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
	require.NoError(t, err)
	assert.False(t, swapped, "stale expected stage must not match")

	stage, err := suite.store.GetStage(ctx, req.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StageScanning, stage)

	swapped, err = suite.store.CompareAndSwapStage(ctx, uuid.New(), workflow.StagePending, workflow.StageScanning, time.Now())
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestStore_CompareAndSwapStageConcurrent(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	const writers = 10
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := suite.store.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageScanning, time.Now())
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

func TestStore_ListRequests(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	first := createTestRequest(t, suite.store, base)
	second := createTestRequest(t, suite.store, base.Add(time.Minute))

	_, err := suite.store.CompareAndSwapStage(ctx, second.ID(), workflow.StagePending, workflow.StageScanning, time.Now())
	require.NoError(t, err)

	all, err := suite.store.ListRequests(ctx, workflow.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID(), all[0].ID(), "newest first")

	pending := workflow.StagePending
	filtered, err := suite.store.ListRequests(ctx, workflow.ListFilter{Stage: &pending})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, first.ID(), filtered[0].ID())
}

func TestStore_FindStaleRequests(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	now := time.Now()

	stale := createTestRequest(t, suite.store, now.Add(-time.Hour))
	fresh := createTestRequest(t, suite.store, now)
	completed := createTestRequest(t, suite.store, now.Add(-time.Hour))
	for _, step := range [][2]workflow.Stage{
		{workflow.StagePending, workflow.StageScanning},
		{workflow.StageScanning, workflow.StageProcessing},
		{workflow.StageProcessing, workflow.StageGeneratingReport},
		{workflow.StageGeneratingReport, workflow.StageCompleted},
	} {
		ok, err := suite.store.CompareAndSwapStage(ctx, completed.ID(), step[0], step[1], now)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ids, err := suite.store.FindStaleRequests(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale.ID()}, ids)
	assert.NotContains(t, ids, fresh.ID())
}

func TestStore_RawPayloads(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	_, err := suite.store.LatestRawPayload(ctx, req.ID())
	assert.ErrorIs(t, err, workflow.ErrNoRawPayload)

	ids, err := suite.store.ListPipelineCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, body := range []string{`{"v":1}`, `{"v":2}`} {
		p := &workflow.RawScanPayload{RequestID: req.ID(), Payload: []byte(body), ReceivedAt: time.Now()}
		require.NoError(t, suite.store.AppendRawPayload(ctx, p))
		assert.NotZero(t, p.ID)
	}

	latest, err := suite.store.LatestRawPayload(ctx, req.ID())
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(latest.Payload))

	ids, err = suite.store.ListPipelineCandidates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{req.ID()}, ids)
}

func TestStore_NormalizedResults(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	rows := []workflow.NormalizedResult{
		{Target: "example.com", Port: 80, Service: "http", Metadata: json.RawMessage(`{"state":"open"}`), CreatedAt: time.Now()},
		{Target: "example.com", Port: 443, Service: "https", CreatedAt: time.Now()},
	}

	saved, err := suite.store.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, rows)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.NotZero(t, saved[0].ID)
	assert.Equal(t, req.ID(), saved[1].RequestID)

	require.NoError(t, suite.store.SaveReports(ctx, req.ID(), workflow.StagePending,
		map[int64]string{saved[0].ID: "port 80 is open"}))

	got, err := suite.store.ListNormalizedResults(ctx, req.ID())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 80, got[0].Port)
	assert.Equal(t, `{"state":"open"}`, string(got[0].Metadata))
	require.True(t, got[0].HasReport())
	assert.Equal(t, "port 80 is open", *got[0].Report)
	assert.False(t, got[1].HasReport())

	// Saving again replaces the previous batch.
	saved, err = suite.store.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, rows[:1])
	require.NoError(t, err)
	got, err = suite.store.ListNormalizedResults(ctx, req.ID())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, saved[0].ID, got[0].ID)
}

func TestStore_SaveReportsUnknownRow(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	err := suite.store.SaveReports(ctx, req.ID(), workflow.StagePending, map[int64]string{999999: "x"})
	assert.ErrorIs(t, err, workflow.ErrPersistence)
}

func TestStore_ResultWritesRequireExpectedStage(t *testing.T) {
	t.Parallel()
	suite := setupStoreTest(t)
	defer suite.cleanup()

	ctx := context.Background()
	req := createTestRequest(t, suite.store, time.Now())

	saved, err := suite.store.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, []workflow.NormalizedResult{
		{Target: "example.com", Port: 80, CreatedAt: time.Now()},
	})
	require.NoError(t, err)

	ok, err := suite.store.CompareAndSwapStage(ctx, req.ID(), workflow.StagePending, workflow.StageFailed, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = suite.store.SaveNormalizedResults(ctx, req.ID(), workflow.StagePending, []workflow.NormalizedResult{
		{Target: "example.com", Port: 443, CreatedAt: time.Now()},
	})
	assert.ErrorIs(t, err, workflow.ErrConflict)

	err = suite.store.SaveReports(ctx, req.ID(), workflow.StagePending, map[int64]string{saved[0].ID: "late"})
	assert.ErrorIs(t, err, workflow.ErrConflict)

	got, err := suite.store.ListNormalizedResults(ctx, req.ID())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].HasReport())

	_, err = suite.store.SaveNormalizedResults(ctx, uuid.New(), workflow.StagePending, nil)
	assert.ErrorIs(t, err, workflow.ErrRequestNotFound)
}
