// Package sqlite provides a single-file workflow store for local runs and the
// admin CLI. It mirrors the PostgreSQL store's semantics, including
// conditional stage updates.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var _ workflow.Store = (*Store)(nil)

// Store implements workflow.Store on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	tracer trace.Tracer
}

// Options configures Store behavior.
type Options struct {
	// EnableWAL enables write-ahead logging so readers don't block the writer.
	EnableWAL bool
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options { return Options{EnableWAL: true} }

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
}

const defaultListLimit = 100

// Open opens or creates the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string, opts Options, tracer trace.Tracer) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?mode=rwc&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer. With one connection, ":memory:" also
	// stays a single shared database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path, tracer: tracer}

	if opts.EnableWAL && path != ":memory:" {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_requests (
		id TEXT PRIMARY KEY,
		target_url TEXT NOT NULL,
		stage TEXT NOT NULL CHECK (stage IN ('PENDING','SCANNING','PROCESSING','GENERATING_REPORT','COMPLETED','FAILED')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_requests_stage_created ON scan_requests(stage, created_at);

	CREATE TABLE IF NOT EXISTS raw_scan_payloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
		payload BLOB NOT NULL,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_raw_scan_payloads_request ON raw_scan_payloads(request_id, id);

	CREATE TABLE IF NOT EXISTS normalized_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL REFERENCES scan_requests(id) ON DELETE CASCADE,
		target TEXT NOT NULL,
		port INTEGER NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		report TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_normalized_results_request ON normalized_results(request_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *Store) CreateRequest(ctx context.Context, req *workflow.ScanRequest) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", req.ID().String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.create_scan_request", dbAttrs, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scan_requests (id, target_url, stage, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			req.ID().String(), req.TargetURL(), req.Stage().String(),
			toUnix(req.CreatedAt()), toUnix(req.UpdatedAt()),
		)
		if err != nil {
			return fmt.Errorf("insert scan request: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*workflow.ScanRequest, error) {
	var (
		id, target, stage    string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &target, &stage, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse request id: %w", err)
	}
	parsedStage, err := workflow.ParseStage(stage)
	if err != nil {
		return nil, err
	}

	return workflow.ReconstructScanRequest(parsedID, target, parsedStage, fromUnix(createdAt), fromUnix(updatedAt)), nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*workflow.ScanRequest, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", id.String()))

	var req *workflow.ScanRequest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.get_scan_request", dbAttrs, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, target_url, stage, created_at, updated_at FROM scan_requests WHERE id = ?`, id.String())

		var err error
		req, err = scanRequest(row)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrRequestNotFound
		}
		return err
	})
	return req, err
}

func (s *Store) GetStage(ctx context.Context, id uuid.UUID) (workflow.Stage, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", id.String()))

	var stage workflow.Stage
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.get_scan_stage", dbAttrs, func(ctx context.Context) error {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT stage FROM scan_requests WHERE id = ?`, id.String()).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrRequestNotFound
		}
		if err != nil {
			return fmt.Errorf("select stage: %w", err)
		}
		stage, err = workflow.ParseStage(raw)
		return err
	})
	return stage, err
}

func (s *Store) CompareAndSwapStage(
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
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.cas_scan_stage", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scan_requests SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?`,
			next.String(), toUnix(at), id.String(), expected.String(),
		)
		if err != nil {
			return fmt.Errorf("update stage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		swapped = n == 1
		return nil
	})
	return swapped, err
}

func (s *Store) ListRequests(ctx context.Context, filter workflow.ListFilter) ([]*workflow.ScanRequest, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit), attribute.Int("offset", filter.Offset))

	var out []*workflow.ScanRequest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_scan_requests", dbAttrs, func(ctx context.Context) error {
		query := `SELECT id, target_url, stage, created_at, updated_at FROM scan_requests`
		args := []any{}
		if filter.Stage != nil {
			query += ` WHERE stage = ?`
			args = append(args, filter.Stage.String())
		}
		query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list scan requests: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindStaleRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("cutoff", cutoff.String()))

	var ids []uuid.UUID
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.find_stale_scan_requests", dbAttrs, func(ctx context.Context) error {
		var err error
		ids, err = s.queryIDs(ctx,
			`SELECT id FROM scan_requests
			 WHERE stage NOT IN ('COMPLETED', 'FAILED') AND created_at < ?
			 ORDER BY created_at`, toUnix(cutoff))
		return err
	})
	return ids, err
}

func (s *Store) AppendRawPayload(ctx context.Context, payload *workflow.RawScanPayload) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("request_id", payload.RequestID.String()),
		attribute.Int("payload_size", len(payload.Payload)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.append_raw_payload", dbAttrs, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO raw_scan_payloads (request_id, payload, received_at) VALUES (?, ?, ?)`,
			payload.RequestID.String(), payload.Payload, toUnix(payload.ReceivedAt),
		)
		if err != nil {
			return fmt.Errorf("insert raw payload: %w", err)
		}
		payload.ID, err = res.LastInsertId()
		return err
	})
}

func (s *Store) LatestRawPayload(ctx context.Context, requestID uuid.UUID) (*workflow.RawScanPayload, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", requestID.String()))

	var payload *workflow.RawScanPayload
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.latest_raw_payload", dbAttrs, func(ctx context.Context) error {
		var (
			id         int64
			body       []byte
			receivedAt int64
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT id, payload, received_at FROM raw_scan_payloads WHERE request_id = ? ORDER BY id DESC LIMIT 1`,
			requestID.String(),
		).Scan(&id, &body, &receivedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.ErrNoRawPayload
		}
		if err != nil {
			return fmt.Errorf("select raw payload: %w", err)
		}
		payload = &workflow.RawScanPayload{
			ID:         id,
			RequestID:  requestID,
			Payload:    body,
			ReceivedAt: fromUnix(receivedAt),
		}
		return nil
	})
	return payload, err
}

func (s *Store) ListPipelineCandidates(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_pipeline_candidates", defaultDBAttributes, func(ctx context.Context) error {
		var err error
		ids, err = s.queryIDs(ctx,
			`SELECT r.id FROM scan_requests r
			 WHERE r.stage NOT IN ('COMPLETED', 'FAILED')
			   AND EXISTS (SELECT 1 FROM raw_scan_payloads p WHERE p.request_id = r.id)
			 ORDER BY r.created_at`)
		return err
	})
	return ids, err
}

// holdStage checks the request's stage inside tx with a no-op write, which
// takes SQLite's write lock at once. No other writer can move the stage until
// tx ends.
func holdStage(ctx context.Context, tx *sql.Tx, requestID uuid.UUID, expected workflow.Stage) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE scan_requests SET stage = stage WHERE id = ? AND stage = ?`,
		requestID.String(), expected.String(),
	)
	if err != nil {
		return fmt.Errorf("check stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM scan_requests WHERE id = ?`, requestID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ErrRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("select request: %w", err)
	}
	return workflow.ErrConflict
}

func (s *Store) SaveNormalizedResults(
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
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.save_normalized_results", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := holdStage(ctx, tx, requestID, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM normalized_results WHERE request_id = ?`, requestID.String()); err != nil {
			return fmt.Errorf("delete normalized results: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO normalized_results (request_id, target, port, service, product, version, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, row := range rows {
			if len(row.Metadata) == 0 {
				row.Metadata = []byte("{}")
			}
			res, err := stmt.ExecContext(ctx,
				requestID.String(), row.Target, row.Port, row.Service, row.Product, row.Version,
				string(row.Metadata), toUnix(row.CreatedAt),
			)
			if err != nil {
				return fmt.Errorf("insert normalized result: %w", err)
			}
			if row.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			row.RequestID = requestID
			saved[i] = row
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) ListNormalizedResults(ctx context.Context, requestID uuid.UUID) ([]workflow.NormalizedResult, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("request_id", requestID.String()))

	var out []workflow.NormalizedResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_normalized_results", dbAttrs, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, target, port, service, product, version, metadata, report, created_at
			 FROM normalized_results WHERE request_id = ? ORDER BY id`, requestID.String())
		if err != nil {
			return fmt.Errorf("list normalized results: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				res       workflow.NormalizedResult
				metadata  string
				report    sql.NullString
				createdAt int64
			)
			if err := rows.Scan(
				&res.ID, &res.Target, &res.Port, &res.Service, &res.Product, &res.Version,
				&metadata, &report, &createdAt,
			); err != nil {
				return err
			}
			res.RequestID = requestID
			res.Metadata = []byte(metadata)
			res.CreatedAt = fromUnix(createdAt)
			if report.Valid {
				text := report.String
				res.Report = &text
			}
			out = append(out, res)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) SaveReports(
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

	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.save_reports", dbAttrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := holdStage(ctx, tx, requestID, expected); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`UPDATE normalized_results SET report = ? WHERE id = ? AND request_id = ?`)
		if err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
		defer stmt.Close()

		for resultID, report := range reports {
			res, err := stmt.ExecContext(ctx, report, resultID, requestID.String())
			if err != nil {
				return fmt.Errorf("update report: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("normalized result %d not found for request %s", resultID, requestID)
			}
		}

		return tx.Commit()
	})
}
