package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

type failure struct{ error }

func (failure) Encode() ([]byte, string, error) { return []byte(`{}`), "application/json", nil }

func newTestApp(mw ...MidFunc) *App {
	return NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer("test"), mw...)
}

func TestApp_RoutesAndStatus(t *testing.T) {
	app := newTestApp()

	var pattern string
	app.HandlerFunc(http.MethodGet, "v1", "/items/{id}", func(ctx context.Context, r *http.Request) Encoder {
		pattern = RoutePattern(r)
		return JSON{Status: http.StatusCreated, Value: map[string]string{"id": Param(r, "id")}}
	})
	app.HandlerFunc(http.MethodGet, "v1", "/empty", func(context.Context, *http.Request) Encoder { return nil })
	app.HandlerFunc(http.MethodGet, "v1", "/broken", func(context.Context, *http.Request) Encoder {
		return failure{errors.New("boom")}
	})

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/42", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"42"}`, rec.Body.String())
	assert.Equal(t, "/v1/items/{id}", pattern)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/empty", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/broken", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestApp_MiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) MidFunc {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, r *http.Request) Encoder {
				order = append(order, name)
				return next(ctx, r)
			}
		}
	}

	app := newTestApp(mark("app"))
	app.HandlerFunc(http.MethodGet, "", "/x", func(context.Context, *http.Request) Encoder { return nil }, mark("route"))
	app.HandlerFuncNoMid(http.MethodGet, "", "/y", func(context.Context, *http.Request) Encoder { return nil })

	app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, []string{"app", "route"}, order)

	order = nil
	app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/y", nil))
	assert.Empty(t, order)
}

func TestApp_CORSPreflight(t *testing.T) {
	app := newTestApp()
	app.EnableCORS([]string{"https://ui.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/anything", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
