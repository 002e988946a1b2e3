package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/ahrav/scanflow/pkg/web"
)

// RequestMetrics records request counts and latency.
type RequestMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
}

// Metrics records every request. The route pattern is used as the path label
// so ids do not explode cardinality.
func Metrics(m RequestMetrics) web.MidFunc {
	mw := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			start := time.Now()
			resp := next(ctx, r)

			path := web.RoutePattern(r)
			m.IncRequestsTotal(ctx, r.Method, path, statusCode(resp))
			m.ObserveRequestDuration(ctx, r.Method, path, time.Since(start))

			return resp
		}

		return h
	}

	return mw
}
