package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/scanflow/internal/api/debug"
	"github.com/ahrav/scanflow/internal/api/mux"
	"github.com/ahrav/scanflow/internal/api/routes"
	appWorkflow "github.com/ahrav/scanflow/internal/app/workflow"
	"github.com/ahrav/scanflow/internal/config"
	"github.com/ahrav/scanflow/internal/infra/collaborators"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka"
	"github.com/ahrav/scanflow/internal/infra/eventbus/memory"
	"github.com/ahrav/scanflow/internal/infra/messaging/connections"
	"github.com/ahrav/scanflow/internal/infra/messaging/subscription"
	workflowStore "github.com/ahrav/scanflow/internal/infra/storage/workflow"
	"github.com/ahrav/scanflow/internal/metrics"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/otel"
)

var build = "develop"

const (
	serviceType = "scanflow-api"
)

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("SCANFLOW_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.NewViperLoader(*configPath).Load(context.Background())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	level, err := logger.ParseLevel(cfg.Telemetry.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.Telemetry.LogLevel, err)
	}

	metadata := map[string]string{
		"service":  cfg.Telemetry.ServiceName,
		"hostname": hostname,
		"app":      serviceType,
	}
	logr := logger.NewWithMetadata(os.Stdout, level, cfg.Telemetry.ServiceName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, logr, cfg, hostname); err != nil {
		logr.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
			"/v1/ws":        {},
			"/debug":        {},
		},
		Probability: cfg.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)

	collector, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// State Store
	log.Info(ctx, "startup", "status", "opening state store", "driver", string(cfg.DB.Driver))

	db, err := workflowStore.Open(ctx, cfg.DB, log, tracer)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer db.Close()

	// -------------------------------------------------------------------------
	// Event Bus
	broker := memory.NewBroker(memory.WithMetrics(collector))
	defer broker.Close()

	if cfg.Kafka.Enabled() {
		log.Info(ctx, "startup", "status", "connecting kafka relay", "topic", cfg.Kafka.Topic)

		relay, err := kafka.ConnectWithRetry(&kafka.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, cfg.Kafka.ConnectTimeout, log, collector, tracer)
		if err != nil {
			return fmt.Errorf("connecting kafka relay: %w", err)
		}

		sub := broker.SubscribeAll(cfg.Workflow.EventBufferSize * 16)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx, sub.C()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(ctx, "kafka relay stopped", "err", err)
			}
		}()

		// Closing the subscription ends Run once the backlog is drained.
		defer func() {
			sub.Close()
			<-relayDone
			if err := relay.Close(); err != nil {
				log.Error(ctx, "shutdown", "status", "closing kafka relay", "err", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Workflow
	log.Info(ctx, "startup", "status", "initializing workflow")

	normalizer, err := collaborators.NewNormalizer(clientConfig(cfg.Collaborators.Normalizer), log, tracer)
	if err != nil {
		return fmt.Errorf("creating normalizer client: %w", err)
	}
	reporter, err := collaborators.NewReportGenerator(clientConfig(cfg.Collaborators.Reporter), log, tracer)
	if err != nil {
		return fmt.Errorf("creating report generator client: %w", err)
	}

	coordOpts := []appWorkflow.CoordinatorOption{
		appWorkflow.WithReportConcurrency(cfg.Workflow.ReportConcurrency),
		appWorkflow.WithRunConcurrency(cfg.Workflow.RunConcurrency),
		appWorkflow.WithCoordinatorMetrics(collector),
	}
	if cfg.Collaborators.ScanEngine.URL != "" {
		callback := strings.TrimRight(cfg.API.PublicURL, "/") + "/v1/webhooks/scan"
		engine, err := collaborators.NewScanEngine(clientConfig(cfg.Collaborators.ScanEngine), callback, log, tracer)
		if err != nil {
			return fmt.Errorf("creating scan engine client: %w", err)
		}
		coordOpts = append(coordOpts, appWorkflow.WithScanEngine(engine))
	}

	sm := appWorkflow.NewStateMachine(db.Store, broker, collector, log, tracer)
	coordinator := appWorkflow.NewCoordinator(sm, db.Store, normalizer, reporter, log, tracer, coordOpts...)
	sweeper := appWorkflow.NewRecoverySweeper(sm, db.Store, log, tracer,
		appWorkflow.WithSweepInterval(cfg.Workflow.SweepInterval),
		appWorkflow.WithStalenessThreshold(cfg.Workflow.StalenessThreshold),
		appWorkflow.WithSweeperMetrics(collector),
	)
	svc := appWorkflow.NewService(db.Store, sm, coordinator, sweeper, log, tracer)

	sweeper.Start(ctx)
	defer sweeper.Stop()

	registry := connections.NewClientRegistry(collector)
	gateway := subscription.NewGateway(broker, registry, cfg.Workflow.EventBufferSize, log, tracer)
	defer gateway.Close()

	// -------------------------------------------------------------------------
	// Start Debug Service

	debugMux, err := debug.Mux()
	if err != nil {
		return fmt.Errorf("creating debug mux: %w", err)
	}

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.API.DebugHost)

		if err := http.ListenAndServe(cfg.API.DebugHost, debugMux); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.API.DebugHost, "msg", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	cfgMux := mux.Config{
		Build:           build,
		Log:             log,
		Tracer:          tracer,
		DB:              db,
		Service:         svc,
		Gateway:         gateway,
		Metrics:         collector,
		Origins:         cfg.API.CORSOrigins,
		MaxPayloadBytes: cfg.API.MaxPayloadBytes,
	}

	webAPI := mux.WebAPI(cfgMux,
		routes.Routes(),
		mux.WithCORS(cfg.API.CORSOrigins),
	)

	api := http.Server{
		Addr:         cfg.API.Addr(),
		Handler:      webAPI,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.API.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		if err := coordinator.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not drain pipeline runs: %w", err)
		}
	}

	return nil
}

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
