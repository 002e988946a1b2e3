package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	appWorkflow "github.com/ahrav/scanflow/internal/app/workflow"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"
)

func render(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

type requestView struct {
	ID        string    `json:"id" yaml:"id"`
	TargetURL string    `json:"targetUrl" yaml:"targetUrl"`
	Stage     string    `json:"stage" yaml:"stage"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

func newRequestView(r *domain.ScanRequest) requestView {
	return requestView{
		ID:        r.ID().String(),
		TargetURL: r.TargetURL(),
		Stage:     r.Stage().String(),
		CreatedAt: r.CreatedAt(),
		UpdatedAt: r.UpdatedAt(),
	}
}

type resultView struct {
	Target  string `json:"target" yaml:"target"`
	Port    int    `json:"port" yaml:"port"`
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	Product string `json:"product,omitempty" yaml:"product,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Report  string `json:"report,omitempty" yaml:"report,omitempty"`
}

type statusView struct {
	requestView `yaml:",inline"`
	Message     string       `json:"message" yaml:"message"`
	Running     bool         `json:"running" yaml:"running"`
	Results     []resultView `json:"results,omitempty" yaml:"results,omitempty"`
}

func newStatusView(rep *appWorkflow.StatusReport) statusView {
	v := statusView{
		requestView: newRequestView(rep.Request),
		Message:     rep.Message,
		Running:     rep.Running,
	}
	for _, row := range rep.Results {
		rv := resultView{
			Target:  row.Target,
			Port:    row.Port,
			Service: row.Service,
			Product: row.Product,
			Version: row.Version,
		}
		if row.HasReport() {
			rv.Report = *row.Report
		}
		v.Results = append(v.Results, rv)
	}
	return v
}

type transitionView struct {
	ID       string `json:"id" yaml:"id"`
	Previous string `json:"previousStage,omitempty" yaml:"previousStage,omitempty"`
	Stage    string `json:"stage" yaml:"stage"`
	Changed  bool   `json:"changed" yaml:"changed"`
}

type runView struct {
	ID     string `json:"id" yaml:"id"`
	Status string `json:"status" yaml:"status"`
	Stage  string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunView(o appWorkflow.RunOutcome) runView {
	v := runView{
		ID:     o.RequestID.String(),
		Status: string(o.Status),
		Reason: o.Reason,
	}
	if o.Stage != "" {
		v.Stage = o.Stage.String()
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

type ingestView struct {
	PayloadID  int64      `json:"payloadId" yaml:"payloadId"`
	RunStarted bool       `json:"runStarted" yaml:"runStarted"`
	Status     statusView `json:"status" yaml:"status"`
}
