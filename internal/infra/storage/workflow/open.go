// Package workflow opens the configured workflow state store.
package workflow

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/config"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/storage"
	"github.com/ahrav/scanflow/internal/infra/storage/workflow/postgres"
	"github.com/ahrav/scanflow/internal/infra/storage/workflow/sqlite"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// Handle is an open store together with its health check and teardown.
type Handle struct {
	Store domain.Store
	ping  func(ctx context.Context) error
	close func()
}

// Ping reports whether the backing database is reachable.
func (h *Handle) Ping(ctx context.Context) error { return h.ping(ctx) }

// Close releases the database connections.
func (h *Handle) Close() { h.close() }

// Open connects to the store named by cfg.Driver. Postgres migrations are
// applied when cfg.Migrate is set; SQLite creates its schema on open.
func Open(ctx context.Context, cfg config.DBConfig, log *logger.Logger, tracer trace.Tracer) (*Handle, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parsing db config: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("creating db pool: %w", err)
		}

		if cfg.Migrate {
			log.Info(ctx, "startup", "status", "applying migrations")
			if err := storage.MigrateUp(pool); err != nil {
				pool.Close()
				return nil, err
			}
		}

		return &Handle{
			Store: postgres.NewStore(pool, tracer),
			ping:  pool.Ping,
			close: pool.Close,
		}, nil

	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.DSN, sqlite.DefaultOptions(), tracer)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}

		return &Handle{
			Store: st,
			ping:  st.Ping,
			close: func() { _ = st.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}
