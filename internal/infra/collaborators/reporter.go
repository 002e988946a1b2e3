package collaborators

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var _ workflow.ReportGenerator = (*ReportGenerator)(nil)

type reportRequest struct {
	RequestID string `json:"requestId"`
	normalizedRow
}

type reportResponse struct {
	Report string `json:"report"`
}

// ReportGenerator turns one normalized row into human-readable report text.
type ReportGenerator struct {
	client *client
}

// NewReportGenerator creates a report generator client.
func NewReportGenerator(cfg ClientConfig, logger *logger.Logger, tracer trace.Tracer) (*ReportGenerator, error) {
	c, err := newClient("report_generator", cfg, logger, tracer)
	if err != nil {
		return nil, err
	}
	return &ReportGenerator{client: c}, nil
}

// GenerateReport rejects an empty report so a row is never stored without text.
func (g *ReportGenerator) GenerateReport(ctx context.Context, row workflow.NormalizedResult) (string, error) {
	var resp reportResponse
	err := g.client.postJSON(ctx, "/reports", nil, reportRequest{
		RequestID: row.RequestID.String(),
		normalizedRow: normalizedRow{
			Target:   row.Target,
			Port:     row.Port,
			Service:  row.Service,
			Product:  row.Product,
			Version:  row.Version,
			Metadata: row.Metadata,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Report == "" {
		return "", errors.New("report generator returned an empty report")
	}
	return resp.Report, nil
}
