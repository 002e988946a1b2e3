package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"

	appWorkflow "github.com/ahrav/scanflow/internal/app/workflow"
	"github.com/ahrav/scanflow/internal/config"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/collaborators"
	workflowStore "github.com/ahrav/scanflow/internal/infra/storage/workflow"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// env is the workflow stack a single command runs against.
type env struct {
	svc    *appWorkflow.Service
	format string
	out    io.Writer
	wait   func()
	close  func()
}

// eventLogger logs stage changes instead of fanning them out; the CLI has no
// subscribers.
type eventLogger struct{ log *logger.Logger }

func (e eventLogger) Publish(ctx context.Context, evt domain.StateChangeEvent) error {
	e.log.Debug(ctx, "stage changed",
		"request_id", evt.RequestID.String(),
		"from", evt.Previous.String(),
		"to", evt.Current.String(),
		"forced", evt.Forced,
	)
	return nil
}

func newEnv(cmd *cobra.Command) (*env, error) {
	ctx := cmd.Context()

	format, _ := cmd.Flags().GetString("output")
	if format != formatYAML && format != formatJSON {
		return nil, fmt.Errorf("unsupported output format %q", format)
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewViperLoader(path).Load(ctx)
	if err != nil {
		return nil, err
	}

	level := logger.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logger.LevelDebug
	}
	log := logger.New(os.Stderr, level, "scanflowctl", func(context.Context) string { return "" })
	tracer := noop.NewTracerProvider().Tracer("scanflowctl")

	db, err := workflowStore.Open(ctx, cfg.DB, log, tracer)
	if err != nil {
		return nil, err
	}

	normalizer, err := collaborators.NewNormalizer(clientConfig(cfg.Collaborators.Normalizer), log, tracer)
	if err != nil {
		db.Close()
		return nil, err
	}
	reporter, err := collaborators.NewReportGenerator(clientConfig(cfg.Collaborators.Reporter), log, tracer)
	if err != nil {
		db.Close()
		return nil, err
	}

	sm := appWorkflow.NewStateMachine(db.Store, eventLogger{log: log}, nil, log, tracer)
	coordinator := appWorkflow.NewCoordinator(sm, db.Store, normalizer, reporter, log, tracer,
		appWorkflow.WithReportConcurrency(cfg.Workflow.ReportConcurrency),
	)
	sweeper := appWorkflow.NewRecoverySweeper(sm, db.Store, log, tracer,
		appWorkflow.WithStalenessThreshold(cfg.Workflow.StalenessThreshold),
	)

	return &env{
		svc:    appWorkflow.NewService(db.Store, sm, coordinator, sweeper, log, tracer),
		format: format,
		out:    cmd.OutOrStdout(),
		wait:   coordinator.Wait,
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = coordinator.Shutdown(ctx)
			db.Close()
		},
	}, nil
}

func (e *env) render(v any) error { return render(e.out, e.format, v) }

func clientConfig(c config.CollaboratorConfig) collaborators.ClientConfig {
	return collaborators.ClientConfig{
		BaseURL:        c.URL,
		Timeout:        c.Timeout,
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
	}
}
