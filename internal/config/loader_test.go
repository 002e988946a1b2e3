package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SCANFLOW_DB_DSN", "postgres://localhost/scanflow")
	t.Setenv("SCANFLOW_COLLABORATORS_NORMALIZER_URL", "http://normalizer")
	t.Setenv("SCANFLOW_COLLABORATORS_REPORTER_URL", "http://reporter")
}

func TestViperLoader_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := NewViperLoader("").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr())
	assert.Equal(t, int64(16<<20), cfg.API.MaxPayloadBytes)
	assert.Equal(t, DriverPostgres, cfg.DB.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Workflow.SweepInterval)
	assert.Equal(t, 15*time.Minute, cfg.Workflow.StalenessThreshold)
	assert.Equal(t, 16, cfg.Workflow.EventBufferSize)
	assert.Equal(t, uint64(3), cfg.Collaborators.Normalizer.MaxRetries)
	assert.Empty(t, cfg.Collaborators.ScanEngine.URL)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestViperLoader_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SCANFLOW_API_PORT", "9090")
	t.Setenv("SCANFLOW_WORKFLOW_STALENESS_THRESHOLD", "45m")
	t.Setenv("SCANFLOW_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := NewViperLoader("").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 45*time.Minute, cfg.Workflow.StalenessThreshold)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestViperLoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scanflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  driver: sqlite
  dsn: /var/lib/scanflow.db
workflow:
  sweep_interval: 5m
collaborators:
  normalizer:
    url: http://normalizer:8080
  reporter:
    url: http://reporter:8080
    rate_per_second: 2.5
`), 0o600))

	cfg, err := NewViperLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, "/var/lib/scanflow.db", cfg.DB.DSN)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.SweepInterval)
	assert.InDelta(t, 2.5, cfg.Collaborators.Reporter.RatePerSecond, 0.001)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			DB: DBConfig{Driver: DriverSQLite, DSN: ":memory:"},
			Workflow: WorkflowConfig{
				SweepInterval:      time.Minute,
				StalenessThreshold: time.Minute,
			},
			Collaborators: CollaboratorsConfig{
				Normalizer: CollaboratorConfig{URL: "http://n"},
				Reporter:   CollaboratorConfig{URL: "http://r"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.DB.Driver = "mysql" }, wantErr: true},
		{name: "missing dsn", mutate: func(c *Config) { c.DB.DSN = "" }, wantErr: true},
		{name: "missing normalizer", mutate: func(c *Config) { c.Collaborators.Normalizer.URL = "" }, wantErr: true},
		{name: "missing reporter", mutate: func(c *Config) { c.Collaborators.Reporter.URL = "" }, wantErr: true},
		{name: "kafka without topic", mutate: func(c *Config) { c.Kafka.Brokers = []string{"k:9092"} }, wantErr: true},
		{name: "zero sweep interval", mutate: func(c *Config) { c.Workflow.SweepInterval = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
