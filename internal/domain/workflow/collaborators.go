package workflow

import "context"

// ScanEngine starts a scan of a request's target. The engine later delivers
// results through the ingest path.
type ScanEngine interface {
	StartScan(ctx context.Context, req *ScanRequest) error
}

// Normalizer turns a raw payload into structured rows.
type Normalizer interface {
	Normalize(ctx context.Context, payload *RawScanPayload) ([]NormalizedResult, error)
}

// ReportGenerator produces prose for a single normalized row.
type ReportGenerator interface {
	GenerateReport(ctx context.Context, row NormalizedResult) (string, error)
}

// EventPublisher delivers stage change events to interested subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, evt StateChangeEvent) error
}
