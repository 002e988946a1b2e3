package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var _ workflow.Normalizer = (*Normalizer)(nil)

type normalizedRow struct {
	Target   string          `json:"target"`
	Port     int             `json:"port"`
	Service  string          `json:"service"`
	Product  string          `json:"product"`
	Version  string          `json:"version"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

const maxPort = 65535

type normalizeResponse struct {
	Results []normalizedRow `json:"results"`
}

// Normalizer posts the raw scanner output unchanged and receives normalized rows.
type Normalizer struct {
	client *client
}

// NewNormalizer creates a normalizer client.
func NewNormalizer(cfg ClientConfig, logger *logger.Logger, tracer trace.Tracer) (*Normalizer, error) {
	c, err := newClient("normalizer", cfg, logger, tracer)
	if err != nil {
		return nil, err
	}
	return &Normalizer{client: c}, nil
}

// Normalize sends the payload bytes as the request body. The request id
// travels in the X-Request-Id header.
func (n *Normalizer) Normalize(ctx context.Context, payload *workflow.RawScanPayload) ([]workflow.NormalizedResult, error) {
	if !json.Valid(payload.Payload) {
		return nil, fmt.Errorf("raw payload %d is not valid JSON", payload.ID)
	}

	header := http.Header{}
	header.Set("X-Request-Id", payload.RequestID.String())

	var resp normalizeResponse
	if err := n.client.postJSON(ctx, "/normalize", header, payload.Payload, &resp); err != nil {
		return nil, err
	}

	rows := make([]workflow.NormalizedResult, 0, len(resp.Results))
	for i, r := range resp.Results {
		if r.Port < 0 || r.Port > maxPort {
			return nil, fmt.Errorf("normalized row %d: port %d out of range [0, %d]", i, r.Port, maxPort)
		}
		rows = append(rows, workflow.NormalizedResult{
			RequestID: payload.RequestID,
			Target:    r.Target,
			Port:      r.Port,
			Service:   r.Service,
			Product:   r.Product,
			Version:   r.Version,
			Metadata:  r.Metadata,
		})
	}
	return rows, nil
}
