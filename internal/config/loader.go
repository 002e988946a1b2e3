package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SCANFLOW_DB_DSN.
const EnvPrefix = "SCANFLOW"

// Loader provides configuration loading capabilities.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader reads an optional YAML file and applies environment overrides.
type ViperLoader struct {
	path string
	v    *viper.Viper
}

// NewViperLoader creates a loader. An empty path skips the file.
func NewViperLoader(path string) *ViperLoader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &ViperLoader{path: path, v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.debug_host", "0.0.0.0:6060")
	v.SetDefault("api.read_timeout", 5*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.idle_timeout", 120*time.Second)
	v.SetDefault("api.shutdown_timeout", 20*time.Second)
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.public_url", "http://localhost:8080")
	v.SetDefault("api.max_payload_bytes", 16<<20)

	v.SetDefault("db.driver", string(DriverPostgres))
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)

	v.SetDefault("workflow.sweep_interval", 30*time.Minute)
	v.SetDefault("workflow.staleness_threshold", 15*time.Minute)
	v.SetDefault("workflow.event_buffer_size", 16)
	v.SetDefault("workflow.report_concurrency", 4)
	v.SetDefault("workflow.run_concurrency", 4)

	for _, name := range []string{"scan_engine", "normalizer", "reporter"} {
		prefix := "collaborators." + name + "."
		v.SetDefault(prefix+"url", "")
		v.SetDefault(prefix+"timeout", 30*time.Second)
		v.SetDefault(prefix+"rate_per_second", 0.0)
		v.SetDefault(prefix+"burst", 1)
		v.SetDefault(prefix+"max_retries", 3)
		v.SetDefault(prefix+"initial_backoff", 500*time.Millisecond)
	}

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "scan-stage-changes")
	v.SetDefault("kafka.client_id", "scanflow-api")
	v.SetDefault("kafka.connect_timeout", 2*time.Minute)

	v.SetDefault("telemetry.service_name", "scanflow-api")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_rate", 0.05)
	v.SetDefault("telemetry.log_level", "info")
}

// Load reads, decodes, and validates the configuration.
func (l *ViperLoader) Load(_ context.Context) (*Config, error) {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
