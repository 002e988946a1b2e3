package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ahrav/scanflow/internal/api/errs"
	appWorkflow "github.com/ahrav/scanflow/internal/app/workflow"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
)

// createRequest is the payload for submitting a scan.
type createRequest struct {
	TargetURL string `json:"targetUrl" validate:"required,url"`
}

// Decode implements the web.Decoder interface.
func (cr *createRequest) Decode(data []byte) error { return json.Unmarshal(data, cr) }

// Validate checks the data in the model is considered clean.
func (cr createRequest) Validate() error { return errs.Check(cr) }

// ingestRequest is the scan engine webhook payload.
type ingestRequest struct {
	RequestID string          `json:"requestId" validate:"required,uuid"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// Decode implements the web.Decoder interface.
func (ir *ingestRequest) Decode(data []byte) error { return json.Unmarshal(data, ir) }

// Validate checks the data in the model is considered clean. A JSON null
// payload counts as missing.
func (ir ingestRequest) Validate() error {
	if err := errs.Check(ir); err != nil {
		return err
	}
	if string(ir.Payload) == "null" {
		return errors.New("payload is required")
	}
	return nil
}

// triggerRequest optionally names one request to run. An empty body runs
// every eligible request.
type triggerRequest struct {
	RequestID *string `json:"requestId,omitempty" validate:"omitempty,uuid"`
}

// Decode implements the web.Decoder interface.
func (tr *triggerRequest) Decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, tr)
}

// Validate checks the data in the model is considered clean.
func (tr triggerRequest) Validate() error { return errs.Check(tr) }

// ScanRequest is the API view of a scan request.
type ScanRequest struct {
	ID        string    `json:"id"`
	TargetURL string    `json:"targetUrl"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toScanRequest(r *domain.ScanRequest) ScanRequest {
	return ScanRequest{
		ID:        r.ID().String(),
		TargetURL: r.TargetURL(),
		Status:    r.Stage().String(),
		CreatedAt: r.CreatedAt(),
		UpdatedAt: r.UpdatedAt(),
	}
}

// Encode implements the web.Encoder interface.
func (sr ScanRequest) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	return data, "application/json", err
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (ScanRequest) HTTPStatus() int { return http.StatusCreated }

// ScanList is the response of the list endpoint.
type ScanList struct {
	Scans []ScanRequest `json:"scans"`
}

// Result is one normalized row with its report text.
type Result struct {
	ID       int64           `json:"id"`
	Target   string          `json:"target"`
	Port     int             `json:"port"`
	Service  string          `json:"service,omitempty"`
	Product  string          `json:"product,omitempty"`
	Version  string          `json:"version,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Report   string          `json:"report"`
}

// Status is the response of the status endpoint. Failed requests carry a
// generic message and never the underlying error.
type Status struct {
	ID        string    `json:"id"`
	TargetURL string    `json:"targetUrl"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Running   bool      `json:"running"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Results   []Result  `json:"results,omitempty"`
}

func toStatus(rep *appWorkflow.StatusReport) Status {
	s := Status{
		ID:        rep.Request.ID().String(),
		TargetURL: rep.Request.TargetURL(),
		Status:    rep.Request.Stage().String(),
		Message:   rep.Message,
		Running:   rep.Running,
		CreatedAt: rep.Request.CreatedAt(),
		UpdatedAt: rep.Request.UpdatedAt(),
	}
	for _, row := range rep.Results {
		res := Result{
			ID:       row.ID,
			Target:   row.Target,
			Port:     row.Port,
			Service:  row.Service,
			Product:  row.Product,
			Version:  row.Version,
			Metadata: row.Metadata,
		}
		if row.HasReport() {
			res.Report = *row.Report
		}
		s.Results = append(s.Results, res)
	}
	return s
}

// Encode implements the web.Encoder interface.
func (s Status) Encode() ([]byte, string, error) {
	data, err := json.Marshal(s)
	return data, "application/json", err
}

// Transition is returned by retry and force-fail.
type Transition struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
}

// Encode implements the web.Encoder interface.
func (t Transition) Encode() ([]byte, string, error) {
	data, err := json.Marshal(t)
	return data, "application/json", err
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (Transition) HTTPStatus() int { return http.StatusAccepted }

// Ingested acknowledges a stored webhook payload.
type Ingested struct {
	RequestID  string `json:"requestId"`
	PayloadID  int64  `json:"payloadId"`
	Status     string `json:"status"`
	RunStarted bool   `json:"runStarted"`
}

// Encode implements the web.Encoder interface.
func (i Ingested) Encode() ([]byte, string, error) {
	data, err := json.Marshal(i)
	return data, "application/json", err
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (Ingested) HTTPStatus() int { return http.StatusAccepted }

// Triggered lists the queued request ids.
type Triggered struct {
	Queued []string `json:"queued"`
}

// Encode implements the web.Encoder interface.
func (t Triggered) Encode() ([]byte, string, error) {
	data, err := json.Marshal(t)
	return data, "application/json", err
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (Triggered) HTTPStatus() int { return http.StatusAccepted }
