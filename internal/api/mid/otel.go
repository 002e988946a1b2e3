package mid

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/pkg/common/otel"
	"github.com/ahrav/scanflow/pkg/web"
)

// correlationHeader carries the scan request id on webhook and collaborator calls.
const correlationHeader = "X-Request-Id"

// Otel stores the tracer and trace id in the context and decorates the
// server span with the matched route, the scan request being acted on, and
// the response status.
func Otel(tracer trace.Tracer) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			ctx = otel.InjectTracing(ctx, tracer)

			span := trace.SpanFromContext(ctx)
			route := web.RoutePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
			if id := scanRequestID(r); id != "" {
				span.SetAttributes(attribute.String("scan.request_id", id))
			}

			resp := next(ctx, r)

			status := statusCode(resp)
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			return resp
		}

		return h
	}

	return m
}

// scanRequestID prefers the {id} path parameter over the correlation header.
func scanRequestID(r *http.Request) string {
	if id := web.Param(r, "id"); id != "" {
		return id
	}
	return r.Header.Get(correlationHeader)
}
