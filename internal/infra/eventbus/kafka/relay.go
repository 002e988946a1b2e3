// Package kafka relays workflow stage changes to a Kafka topic for consumers
// outside the service.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/workflow"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// RelayMetrics tracks messages written to Kafka.
type RelayMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

type noopMetrics struct{}

func (noopMetrics) IncMessagePublished(context.Context, string) {}
func (noopMetrics) IncPublishError(context.Context, string)     {}

// Config contains settings for connecting to the Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic receives one message per applied stage change.
	Topic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

// StageChangeMessage is the JSON value written for every stage change. The
// message key is the request id so all changes of one request land on the same
// partition in commit order.
type StageChangeMessage struct {
	RequestID     string    `json:"requestId"`
	Stage         string    `json:"stage"`
	PreviousStage string    `json:"previousStage"`
	Forced        bool      `json:"forced"`
	OccurredAt    time.Time `json:"occurredAt"`
}

var _ workflow.EventPublisher = (*StageChangeRelay)(nil)

// StageChangeRelay writes StateChangeEvents to a Kafka topic.
type StageChangeRelay struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RelayMetrics
}

// NewStageChangeRelay creates a relay over an existing producer. The relay
// owns the producer and closes it in Close.
func NewStageChangeRelay(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	metrics RelayMetrics,
	tracer trace.Tracer,
) *StageChangeRelay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &StageChangeRelay{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "stage_change_relay", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// NewProducerConfig returns the producer settings used by the relay.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Version = sarama.V3_6_0_0
	return cfg
}

// Publish writes a single stage change. It satisfies workflow.EventPublisher
// so the relay can also be used directly by the state machine.
func (r *StageChangeRelay) Publish(ctx context.Context, evt workflow.StateChangeEvent) error {
	ctx, span := tracing.StartProducerSpan(ctx, r.topic, r.tracer)
	defer span.End()

	key := evt.RequestID.String()
	span.SetAttributes(
		attribute.String("event.key", key),
		attribute.String("stage", evt.Current.String()),
	)

	value, err := json.Marshal(StageChangeMessage{
		RequestID:     key,
		Stage:         evt.Current.String(),
		PreviousStage: evt.Previous.String(),
		Forced:        evt.Forced,
		OccurredAt:    evt.OccurredAt,
	})
	if err != nil {
		span.RecordError(err)
		r.metrics.IncPublishError(ctx, r.topic)
		return fmt.Errorf("failed to encode stage change for %s: %w", key, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		r.metrics.IncPublishError(ctx, r.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", r.topic, err)
	}
	r.metrics.IncMessagePublished(ctx, r.topic)

	r.logger.Debug(ctx, "Published stage change",
		"request_id", key,
		"stage", evt.Current.String(),
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Run forwards events from the channel until it is closed or ctx is done. A
// failed send is logged and the relay moves on to the next event.
func (r *StageChangeRelay) Run(ctx context.Context, events <-chan workflow.StateChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Publish(ctx, evt); err != nil {
				r.logger.Warn(ctx, "Failed to relay stage change",
					"request_id", evt.RequestID.String(),
					"error", err,
				)
			}
		}
	}
}

// Close flushes and closes the producer.
func (r *StageChangeRelay) Close() error {
	if err := r.producer.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
