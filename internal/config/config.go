// Package config holds the service configuration and loads it from an
// optional YAML file and SCANFLOW_ environment variables.
package config

import (
	"fmt"
	"time"
)

// Config represents the top-level configuration.
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	DB            DBConfig            `mapstructure:"db"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DebugHost       string        `mapstructure:"debug_host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// PublicURL is the externally reachable base URL, used for webhook callbacks.
	PublicURL string `mapstructure:"public_url"`
	// MaxPayloadBytes caps scan webhook bodies.
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Driver names the state store backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DBConfig selects and configures the state store.
type DBConfig struct {
	Driver Driver `mapstructure:"driver"`
	// DSN is a Postgres connection string or a SQLite file path.
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	// Migrate applies pending Postgres migrations at startup.
	Migrate bool `mapstructure:"migrate"`
}

// WorkflowConfig tunes the pipeline and the recovery sweeper.
type WorkflowConfig struct {
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	EventBufferSize    int           `mapstructure:"event_buffer_size"`
	ReportConcurrency  int           `mapstructure:"report_concurrency"`
	RunConcurrency     int           `mapstructure:"run_concurrency"`
}

// CollaboratorConfig describes one external collaborator endpoint.
type CollaboratorConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// CollaboratorsConfig configures the scan engine, normalizer, and reporter.
// An empty scan engine URL disables stage one dispatch.
type CollaboratorsConfig struct {
	ScanEngine CollaboratorConfig `mapstructure:"scan_engine"`
	Normalizer CollaboratorConfig `mapstructure:"normalizer"`
	Reporter   CollaboratorConfig `mapstructure:"reporter"`
}

// KafkaConfig enables the stage change relay when Brokers is non-empty.
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"client_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Enabled reports whether the relay should run.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	LogLevel     string  `mapstructure:"log_level"`
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("db.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Collaborators.Normalizer.URL == "" {
		return fmt.Errorf("collaborators.normalizer.url is required")
	}
	if c.Collaborators.Reporter.URL == "" {
		return fmt.Errorf("collaborators.reporter.url is required")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.Workflow.SweepInterval <= 0 || c.Workflow.StalenessThreshold <= 0 {
		return fmt.Errorf("workflow sweep interval and staleness threshold must be positive")
	}
	return nil
}
