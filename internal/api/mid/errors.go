package mid

import (
	"context"
	"net/http"

	"github.com/ahrav/scanflow/internal/api/errs"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/web"
)

// Errors handles errors coming out of the call chain. Any error that is not
// already an errs.Error is mapped from the workflow error kinds.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)
			err, isError := resp.(error)
			if !isError {
				return resp
			}

			apiErr := errs.FromDomain(err)
			if apiErr.HTTPStatus() >= http.StatusInternalServerError {
				cause := error(apiErr)
				if c := apiErr.Unwrap(); c != nil {
					cause = c
				}
				log.Error(ctx, "handled error during request", "err", cause, "code", apiErr.Code.String())
			}

			return apiErr
		}

		return h
	}

	return m
}
