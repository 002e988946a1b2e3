// Package workflow binds the scan request HTTP endpoints.
package workflow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/api/errs"
	appWorkflow "github.com/ahrav/scanflow/internal/app/workflow"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/web"
)

// defaultMaxPayloadBytes bounds webhook bodies when Config leaves it unset.
const defaultMaxPayloadBytes = 16 << 20

// Config contains the dependencies needed by the scan handlers.
type Config struct {
	Log     *logger.Logger
	Service *appWorkflow.Service
	// MaxPayloadBytes caps the webhook body; zero means 16MiB.
	MaxPayloadBytes int64
}

// Routes binds all the scan endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodPost, version, "/scans", create(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans", list(cfg))
	app.HandlerFunc(http.MethodGet, version, "/scans/{id}", status(cfg))
	app.HandlerFunc(http.MethodPost, version, "/scans/{id}/retry", retry(cfg))
	app.HandlerFunc(http.MethodPost, version, "/scans/{id}/fail", forceFail(cfg))
	app.HandlerFunc(http.MethodPost, version, "/webhooks/scan", ingest(cfg))
	app.HandlerFunc(http.MethodPost, version, "/pipeline/trigger", trigger(cfg))
}

func parseID(r *http.Request) (uuid.UUID, *errs.Error) {
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, errs.Newf(errs.InvalidArgument, "id must be a UUID")
	}
	return id, nil
}

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req createRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		sr, err := cfg.Service.CreateRequest(ctx, req.TargetURL)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toScanRequest(sr)
	}
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		q := r.URL.Query()

		var filter domain.ListFilter
		if s := q.Get("stage"); s != "" {
			stage, err := domain.ParseStage(s)
			if err != nil {
				return errs.New(errs.InvalidArgument, err)
			}
			filter.Stage = &stage
		}
		for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
			if v := q.Get(name); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return errs.Newf(errs.InvalidArgument, "%s must be a non-negative integer", name)
				}
				*dst = n
			}
		}

		reqs, err := cfg.Service.ListRequests(ctx, filter)
		if err != nil {
			return errs.FromDomain(err)
		}

		out := ScanList{Scans: make([]ScanRequest, 0, len(reqs))}
		for _, sr := range reqs {
			out.Scans = append(out.Scans, toScanRequest(sr))
		}
		return web.JSON{Status: http.StatusOK, Value: out}
	}
}

func status(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, apiErr := parseID(r)
		if apiErr != nil {
			return apiErr
		}

		rep, err := cfg.Service.Status(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toStatus(rep)
	}
}

func retry(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, apiErr := parseID(r)
		if apiErr != nil {
			return apiErr
		}

		stage, err := cfg.Service.Retry(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return Transition{ID: id.String(), Status: stage.String()}
	}
}

func forceFail(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, apiErr := parseID(r)
		if apiErr != nil {
			return apiErr
		}

		res, err := cfg.Service.ForceFail(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		cfg.Log.Warn(ctx, "request force-failed via API",
			"request_id", id.String(),
			"previous_stage", res.Previous.String(),
		)
		return Transition{
			ID:             id.String(),
			Status:         res.Current.String(),
			PreviousStatus: res.Previous.String(),
		}
	}
}

func ingest(cfg Config) web.HandlerFunc {
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = defaultMaxPayloadBytes
	}

	return func(ctx context.Context, r *http.Request) web.Encoder {
		r.Body = http.MaxBytesReader(nil, r.Body, limit)

		var req ingestRequest
		if err := web.Decode(r, &req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return errs.Newf(errs.ResourceExhausted, "payload exceeds %d bytes", tooLarge.Limit)
			}
			return errs.New(errs.InvalidArgument, err)
		}

		id := uuid.MustParse(req.RequestID)
		res, err := cfg.Service.Ingest(ctx, id, req.Payload)
		if err != nil {
			return errs.FromDomain(err)
		}
		return Ingested{
			RequestID:  id.String(),
			PayloadID:  res.PayloadID,
			Status:     res.Stage.String(),
			RunStarted: res.RunStarted,
		}
	}
}

func trigger(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req triggerRequest
		if err := web.Decode(r, &req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		var id *uuid.UUID
		if req.RequestID != nil {
			parsed := uuid.MustParse(*req.RequestID)
			id = &parsed
		}

		res, err := cfg.Service.Trigger(ctx, id)
		if err != nil {
			if errors.Is(err, appWorkflow.ErrCoordinatorClosed) {
				return errs.New(errs.Unavailable, err)
			}
			return errs.FromDomain(err)
		}

		out := Triggered{Queued: make([]string, 0, len(res.Queued))}
		for _, q := range res.Queued {
			out.Queued = append(out.Queued, q.String())
		}
		return out
	}
}
