// Package routes binds every API endpoint of the scan workflow service.
package routes

import (
	"github.com/ahrav/scanflow/internal/api/health"
	"github.com/ahrav/scanflow/internal/api/mux"
	"github.com/ahrav/scanflow/internal/api/realtime"
	"github.com/ahrav/scanflow/internal/api/workflow"
	"github.com/ahrav/scanflow/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
		DB:    cfg.DB,
	})

	workflow.Routes(app, workflow.Config{
		Log:             cfg.Log,
		Service:         cfg.Service,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	if cfg.Gateway != nil {
		realtime.Routes(app, realtime.Config{
			Log:     cfg.Log,
			Gateway: cfg.Gateway,
			Origins: cfg.Origins,
		})
	}
}
