package mid

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/ahrav/scanflow/internal/api/errs"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/web"
)

// Panics recovers from panics and converts the panic to an error so it is
// reported to the client as an internal error.
func Panics(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) (resp web.Encoder) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error(ctx, "panic recovered", "panic", rec, "trace", string(debug.Stack()))
					resp = errs.Newf(errs.Internal, "internal error")
				}
			}()

			return next(ctx, r)
		}

		return h
	}

	return m
}
