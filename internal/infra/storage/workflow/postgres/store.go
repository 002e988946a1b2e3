package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/db"
	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var _ workflow.Store = (*store)(nil)

// store implements workflow.Store on PostgreSQL. Stage writes are conditional
// updates so the database itself arbitrates concurrent transitions.
type store struct {
	q      *db.Queries
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewStore creates a PostgreSQL-backed workflow store with tracing.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *store {
	return &store{
		q:      db.New(pool),
		db:     pool,
		tracer: tracer,
	}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const defaultListLimit = 100

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgTime(t time.Time) pgtype.Timestamptz { return pgtype.Timestamptz{Time: t, Valid: true} }

func (s *store) CreateRequest(ctx context.Context, req *workflow.ScanRequest) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", req.ID().String()),
		attribute.String("stage", req.Stage().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan_request", dbAttrs, func(ctx context.Context) error {
		err := s.q.CreateScanRequest(ctx, db.CreateScanRequestParams{
			ID:        pgUUID(req.ID()),
			TargetUrl: req.TargetURL(),
			Stage:     db.ScanStage(req.Stage()),
			CreatedAt: pgTime(req.CreatedAt()),
			UpdatedAt: pgTime(req.UpdatedAt()),
		})
		if err != nil {
			return fmt.Errorf("CreateScanRequest insert error: %w", err)
		}
		return nil
	})
}

func (s *store) GetRequest(ctx context.Context, id uuid.UUID) (*workflow.ScanRequest, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", id.String()))

	var req *workflow.ScanRequest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_request", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetScanRequest(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrRequestNotFound
			}
			return fmt.Errorf("GetScanRequest query error: %w", err)
		}
		req, err = toDomainRequest(row)
		return err
	})
	return req, err
}

func (s *store) GetStage(ctx context.Context, id uuid.UUID) (workflow.Stage, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", id.String()))

	var stage workflow.Stage
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan_stage", dbAttrs, func(ctx context.Context) error {
		raw, err := s.q.GetScanRequestStage(ctx, pgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrRequestNotFound
			}
			return fmt.Errorf("GetScanRequestStage query error: %w", err)
		}
		stage, err = workflow.ParseStage(string(raw))
		return err
	})
	return stage, err
}

func (s *store) CompareAndSwapStage(
	ctx context.Context,
	id uuid.UUID,
	expected, next workflow.Stage,
	at time.Time,
) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", id.String()),
		attribute.String("expected_stage", expected.String()),
		attribute.String("new_stage", next.String()),
	)

	var swapped bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.cas_scan_stage", dbAttrs, func(ctx context.Context) error {
		rowsAffected, err := s.q.UpdateScanRequestStage(ctx, db.UpdateScanRequestStageParams{
			NewStage:      db.ScanStage(next),
			UpdatedAt:     pgTime(at),
			ID:            pgUUID(id),
			ExpectedStage: db.ScanStage(expected),
		})
		if err != nil {
			return fmt.Errorf("UpdateScanRequestStage query error: %w", err)
		}
		swapped = rowsAffected == 1
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("swapped", swapped))
		return nil
	})
	return swapped, err
}

func (s *store) ListRequests(ctx context.Context, filter workflow.ListFilter) ([]*workflow.ScanRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit), attribute.Int("offset", filter.Offset))

	var out []*workflow.ScanRequest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_scan_requests", dbAttrs, func(ctx context.Context) error {
		var (
			rows []db.ScanRequest
			err  error
		)
		if filter.Stage != nil {
			rows, err = s.q.ListScanRequestsByStage(ctx, db.ListScanRequestsByStageParams{
				Stage:  db.ScanStage(*filter.Stage),
				Limit:  int32(limit),
				Offset: int32(filter.Offset),
			})
		} else {
			rows, err = s.q.ListScanRequests(ctx, db.ListScanRequestsParams{
				Limit:  int32(limit),
				Offset: int32(filter.Offset),
			})
		}
		if err != nil {
			return fmt.Errorf("ListScanRequests query error: %w", err)
		}

		out = make([]*workflow.ScanRequest, 0, len(rows))
		for _, row := range rows {
			req, err := toDomainRequest(row)
			if err != nil {
				return err
			}
			out = append(out, req)
		}
		return nil
	})
	return out, err
}

func (s *store) FindStaleRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.String()))

	var ids []uuid.UUID
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_stale_scan_requests", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListStaleScanRequests(ctx, pgTime(cutoff))
		if err != nil {
			return fmt.Errorf("ListStaleScanRequests query error: %w", err)
		}
		ids = fromPgUUIDs(rows)
		return nil
	})
	return ids, err
}

func (s *store) AppendRawPayload(ctx context.Context, payload *workflow.RawScanPayload) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", payload.RequestID.String()),
		attribute.Int("payload_size", len(payload.Payload)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_raw_payload", dbAttrs, func(ctx context.Context) error {
		id, err := s.q.InsertRawScanPayload(ctx, db.InsertRawScanPayloadParams{
			RequestID:  pgUUID(payload.RequestID),
			Payload:    payload.Payload,
			ReceivedAt: pgTime(payload.ReceivedAt),
		})
		if err != nil {
			return fmt.Errorf("InsertRawScanPayload insert error: %w", err)
		}
		payload.ID = id
		return nil
	})
}

func (s *store) LatestRawPayload(ctx context.Context, requestID uuid.UUID) (*workflow.RawScanPayload, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", requestID.String()))

	var payload *workflow.RawScanPayload
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.latest_raw_payload", dbAttrs, func(ctx context.Context) error {
		row, err := s.q.GetLatestRawScanPayload(ctx, pgUUID(requestID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return workflow.ErrNoRawPayload
			}
			return fmt.Errorf("GetLatestRawScanPayload query error: %w", err)
		}
		payload = &workflow.RawScanPayload{
			ID:         row.ID,
			RequestID:  row.RequestID.Bytes,
			Payload:    row.Payload,
			ReceivedAt: row.ReceivedAt.Time,
		}
		return nil
	})
	return payload, err
}

func (s *store) ListPipelineCandidates(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_pipeline_candidates", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.q.ListPipelineCandidates(ctx)
		if err != nil {
			return fmt.Errorf("ListPipelineCandidates query error: %w", err)
		}
		ids = fromPgUUIDs(rows)
		return nil
	})
	return ids, err
}

// lockStage locks the request row for the rest of tx and checks its stage.
// A concurrent compare-and-swap waits on the lock, so the stage cannot move
// until tx ends.
func lockStage(ctx context.Context, qtx *db.Queries, requestID uuid.UUID, expected workflow.Stage) error {
	raw, err := qtx.LockScanRequestStage(ctx, pgUUID(requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return workflow.ErrRequestNotFound
		}
		return fmt.Errorf("LockScanRequestStage query error: %w", err)
	}
	if workflow.Stage(raw) != expected {
		return workflow.ErrConflict
	}
	return nil
}

// SaveNormalizedResults replaces a request's rows inside one transaction so a
// reader never observes a partial batch.
func (s *store) SaveNormalizedResults(
	ctx context.Context,
	requestID uuid.UUID,
	expected workflow.Stage,
	rows []workflow.NormalizedResult,
) ([]workflow.NormalizedResult, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", requestID.String()),
		attribute.String("expected_stage", expected.String()),
		attribute.Int("row_count", len(rows)),
	)

	saved := make([]workflow.NormalizedResult, len(rows))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_normalized_results", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		qtx := s.q.WithTx(tx)
		if err := lockStage(ctx, qtx, requestID, expected); err != nil {
			return err
		}
		if err := qtx.DeleteNormalizedResults(ctx, pgUUID(requestID)); err != nil {
			return fmt.Errorf("DeleteNormalizedResults error: %w", err)
		}

		for i, row := range rows {
			id, err := qtx.InsertNormalizedResult(ctx, db.InsertNormalizedResultParams{
				RequestID: pgUUID(requestID),
				Target:    row.Target,
				Port:      int32(row.Port),
				Service:   row.Service,
				Product:   row.Product,
				Version:   row.Version,
				Metadata:  metadataOrEmpty(row.Metadata),
				CreatedAt: pgTime(row.CreatedAt),
			})
			if err != nil {
				return fmt.Errorf("InsertNormalizedResult insert error: %w", err)
			}
			row.ID = id
			row.RequestID = requestID
			row.Metadata = metadataOrEmpty(row.Metadata)
			saved[i] = row
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *store) ListNormalizedResults(ctx context.Context, requestID uuid.UUID) ([]workflow.NormalizedResult, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", requestID.String()))

	var out []workflow.NormalizedResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_normalized_results", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.ListNormalizedResults(ctx, pgUUID(requestID))
		if err != nil {
			return fmt.Errorf("ListNormalizedResults query error: %w", err)
		}

		out = make([]workflow.NormalizedResult, 0, len(rows))
		for _, row := range rows {
			res := workflow.NormalizedResult{
				ID:        row.ID,
				RequestID: row.RequestID.Bytes,
				Target:    row.Target,
				Port:      int(row.Port),
				Service:   row.Service,
				Product:   row.Product,
				Version:   row.Version,
				Metadata:  row.Metadata,
				CreatedAt: row.CreatedAt.Time,
			}
			if row.Report.Valid {
				report := row.Report.String
				res.Report = &report
			}
			out = append(out, res)
		}
		return nil
	})
	return out, err
}

func (s *store) SaveReports(
	ctx context.Context,
	requestID uuid.UUID,
	expected workflow.Stage,
	reports map[int64]string,
) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", requestID.String()),
		attribute.String("expected_stage", expected.String()),
		attribute.Int("report_count", len(reports)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_reports", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		qtx := s.q.WithTx(tx)
		if err := lockStage(ctx, qtx, requestID, expected); err != nil {
			return err
		}

		for resultID, report := range reports {
			rowsAffected, err := qtx.SetNormalizedResultReport(ctx, db.SetNormalizedResultReportParams{
				ID:        resultID,
				RequestID: pgUUID(requestID),
				Report:    pgtype.Text{String: report, Valid: true},
			})
			if err != nil {
				return fmt.Errorf("SetNormalizedResultReport query error: %w", err)
			}
			if rowsAffected == 0 {
				return fmt.Errorf("normalized result %d not found for request %s", resultID, requestID)
			}
		}

		return tx.Commit(ctx)
	})
}

func toDomainRequest(row db.ScanRequest) (*workflow.ScanRequest, error) {
	stage, err := workflow.ParseStage(string(row.Stage))
	if err != nil {
		return nil, err
	}
	return workflow.ReconstructScanRequest(
		row.ID.Bytes,
		row.TargetUrl,
		stage,
		row.CreatedAt.Time,
		row.UpdatedAt.Time,
	), nil
}

func fromPgUUIDs(rows []pgtype.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Bytes)
	}
	return ids
}

func metadataOrEmpty(m []byte) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	return m
}
