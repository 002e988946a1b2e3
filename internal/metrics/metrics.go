// Package metrics implements the service's metric interfaces on top of an
// OpenTelemetry meter.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scanflow/internal/app/workflow"
	domain "github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka"
	"github.com/ahrav/scanflow/internal/infra/eventbus/memory"
	"github.com/ahrav/scanflow/internal/infra/messaging/connections"
)

const namespace = "scanflow"

var (
	_ workflow.WorkflowMetrics   = (*Metrics)(nil)
	_ memory.BrokerMetrics       = (*Metrics)(nil)
	_ connections.GatewayMetrics = (*Metrics)(nil)
	_ kafka.RelayMetrics         = (*Metrics)(nil)
)

// Metrics records workflow, event bus, realtime, and HTTP activity.
type Metrics struct {
	// Workflow metrics
	transitions         metric.Int64Counter
	transitionConflicts metric.Int64Counter
	pipelineRuns        metric.Int64Counter
	pipelineDuration    metric.Float64Histogram
	sweptRequests       metric.Int64Counter

	// Event bus metrics
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter

	// Kafka relay metrics
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter

	// Realtime metrics
	connectedClients atomic.Int64

	// API metrics
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// New creates every instrument on a meter from mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.transitions, err = meter.Int64Counter(
		"stage_transitions_total",
		metric.WithDescription("Total number of applied stage transitions"),
	); err != nil {
		return nil, err
	}

	if m.transitionConflicts, err = meter.Int64Counter(
		"stage_transition_conflicts_total",
		metric.WithDescription("Total number of transitions that lost a compare-and-swap"),
	); err != nil {
		return nil, err
	}

	if m.pipelineRuns, err = meter.Int64Counter(
		"pipeline_runs_total",
		metric.WithDescription("Total number of pipeline runs by outcome"),
	); err != nil {
		return nil, err
	}

	if m.pipelineDuration, err = meter.Float64Histogram(
		"pipeline_run_duration_seconds",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.sweptRequests, err = meter.Int64Counter(
		"swept_requests_total",
		metric.WithDescription("Total number of stale requests failed by the recovery sweeper"),
	); err != nil {
		return nil, err
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"events_delivered_total",
		metric.WithDescription("Total number of stage change events delivered to subscribers"),
	); err != nil {
		return nil, err
	}

	if m.eventsDropped, err = meter.Int64Counter(
		"events_dropped_total",
		metric.WithDescription("Total number of events dropped for slow subscribers"),
	); err != nil {
		return nil, err
	}

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published to Kafka"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of Kafka publish errors"),
	); err != nil {
		return nil, err
	}

	if _, err = meter.Int64ObservableGauge(
		"realtime_connected_clients",
		metric.WithDescription("Number of connected realtime clients"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.connectedClients.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// WorkflowMetrics implementation
func (m *Metrics) IncTransitions(ctx context.Context, from, to domain.Stage, forced bool) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.Bool("forced", forced),
	))
}

func (m *Metrics) IncTransitionConflicts(ctx context.Context) {
	m.transitionConflicts.Add(ctx, 1)
}

func (m *Metrics) IncPipelineRuns(ctx context.Context, outcome string) {
	m.pipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ObservePipelineDuration(ctx context.Context, d time.Duration) {
	m.pipelineDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) IncSweptRequests(ctx context.Context, count int) {
	m.sweptRequests.Add(ctx, int64(count))
}

// BrokerMetrics implementation
func (m *Metrics) IncEventsPublished(ctx context.Context) { m.eventsPublished.Add(ctx, 1) }
func (m *Metrics) IncEventsDropped(ctx context.Context)   { m.eventsDropped.Add(ctx, 1) }

// RelayMetrics implementation
func (m *Metrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// GatewayMetrics implementation
func (m *Metrics) IncConnectedClients(context.Context) { m.connectedClients.Add(1) }
func (m *Metrics) DecConnectedClients(context.Context) { m.connectedClients.Add(-1) }

func (m *Metrics) SetConnectedClients(_ context.Context, count int) {
	m.connectedClients.Store(int64(count))
}

// ConnectedClients returns the last recorded client count.
func (m *Metrics) ConnectedClients() int64 { return m.connectedClients.Load() }

// API metrics
func (m *Metrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *Metrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}
