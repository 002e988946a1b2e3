package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StateStore is the durable source of truth for request stages. Every stage
// write goes through CompareAndSwapStage; there is no unconditional update.
type StateStore interface {
	// CreateRequest persists a new request in its initial stage.
	CreateRequest(ctx context.Context, req *ScanRequest) error

	// GetRequest returns the request or ErrRequestNotFound.
	GetRequest(ctx context.Context, id uuid.UUID) (*ScanRequest, error)

	// GetStage returns the current stage or ErrRequestNotFound.
	GetStage(ctx context.Context, id uuid.UUID) (Stage, error)

	// CompareAndSwapStage sets the stage to next only if it currently equals
	// expected. It returns false when no row matched.
	CompareAndSwapStage(ctx context.Context, id uuid.UUID, expected, next Stage, at time.Time) (bool, error)

	// ListRequests returns requests, optionally filtered by stage, newest first.
	ListRequests(ctx context.Context, filter ListFilter) ([]*ScanRequest, error)

	// FindStaleRequests returns ids of non-terminal requests created before cutoff.
	FindStaleRequests(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// ResultStore holds the append-only scan payloads and the normalized rows.
type ResultStore interface {
	// AppendRawPayload records a payload delivered by the scan engine.
	AppendRawPayload(ctx context.Context, payload *RawScanPayload) error

	// LatestRawPayload returns the most recent payload or ErrNoRawPayload.
	LatestRawPayload(ctx context.Context, requestID uuid.UUID) (*RawScanPayload, error)

	// ListPipelineCandidates returns ids of requests with at least one raw
	// payload whose stage is neither COMPLETED nor FAILED.
	ListPipelineCandidates(ctx context.Context) ([]uuid.UUID, error)

	// SaveNormalizedResults replaces the rows for a request atomically and
	// returns them with ids assigned. The write happens only while the request
	// is at expected; otherwise it returns ErrConflict and nothing changes.
	SaveNormalizedResults(ctx context.Context, requestID uuid.UUID, expected Stage, rows []NormalizedResult) ([]NormalizedResult, error)

	// ListNormalizedResults returns rows in insertion order.
	ListNormalizedResults(ctx context.Context, requestID uuid.UUID) ([]NormalizedResult, error)

	// SaveReports persists report text keyed by result id, all or nothing,
	// under the same stage condition as SaveNormalizedResults.
	SaveReports(ctx context.Context, requestID uuid.UUID, expected Stage, reports map[int64]string) error
}

// Store groups both halves of the persistence boundary.
type Store interface {
	StateStore
	ResultStore
}

// ListFilter narrows ListRequests.
type ListFilter struct {
	Stage  *Stage
	Limit  int
	Offset int
}
