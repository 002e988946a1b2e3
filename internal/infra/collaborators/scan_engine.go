package collaborators

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var _ workflow.ScanEngine = (*ScanEngine)(nil)

type startScanRequest struct {
	RequestID   string `json:"requestId"`
	TargetURL   string `json:"targetUrl"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// ScanEngine asks an external scanner to scan a target. The scanner reports
// back by posting its raw output to CallbackURL.
type ScanEngine struct {
	client      *client
	callbackURL string
}

// NewScanEngine creates a scan engine client. callbackURL is the ingest
// webhook address handed to the scanner.
func NewScanEngine(cfg ClientConfig, callbackURL string, logger *logger.Logger, tracer trace.Tracer) (*ScanEngine, error) {
	c, err := newClient("scan_engine", cfg, logger, tracer)
	if err != nil {
		return nil, err
	}
	return &ScanEngine{client: c, callbackURL: callbackURL}, nil
}

// StartScan returns once the scanner accepted the job.
func (e *ScanEngine) StartScan(ctx context.Context, req *workflow.ScanRequest) error {
	return e.client.postJSON(ctx, "/scans", nil, startScanRequest{
		RequestID:   req.ID().String(),
		TargetURL:   req.TargetURL(),
		CallbackURL: e.callbackURL,
	}, nil)
}
