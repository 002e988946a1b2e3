package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/pkg/common/logger"
)

// ConnectWithRetry creates a relay, retrying the producer connection with
// exponential backoff for up to maxElapsed. The brokers are often still
// starting when the service comes up.
func ConnectWithRetry(
	cfg *Config,
	maxElapsed time.Duration,
	logger *logger.Logger,
	metrics RelayMetrics,
	tracer trace.Tracer,
) (*StageChangeRelay, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka relay requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka relay requires a topic")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	var producer sarama.SyncProducer
	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			logger.Warn(context.Background(), "Kafka producer not ready, retrying", "brokers", cfg.Brokers, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return NewStageChangeRelay(producer, cfg.Topic, logger, metrics, tracer), nil
}
