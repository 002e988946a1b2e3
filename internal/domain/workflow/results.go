package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RawScanPayload is an append-only record of what the scan engine delivered.
type RawScanPayload struct {
	ID         int64
	RequestID  uuid.UUID
	Payload    []byte
	ReceivedAt time.Time
}

// NormalizedResult is one structured row produced by normalization.
// Metadata carries protocol/state/banner/vulnerability data that is stored and
// returned verbatim, never parsed.
type NormalizedResult struct {
	ID        int64
	RequestID uuid.UUID
	Target    string
	Port      int
	Service   string
	Product   string
	Version   string
	Metadata  json.RawMessage
	Report    *string
	CreatedAt time.Time
}

// HasReport reports whether report text was persisted for the row.
func (r NormalizedResult) HasReport() bool { return r.Report != nil }
