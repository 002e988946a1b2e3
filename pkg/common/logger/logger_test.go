package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	traceIDFn := func(context.Context) string { return "abc123" }

	log := New(&buf, LevelInfo, "scanflow-test", traceIDFn)
	log.With("component", "state_machine").Info(context.Background(), "stage changed", "request_id", "r-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "stage changed", rec["msg"])
	assert.Equal(t, "scanflow-test", rec["service"])
	assert.Equal(t, "state_machine", rec["component"])
	assert.Equal(t, "r-1", rec["request_id"])
	assert.Equal(t, "abc123", rec["trace_id"])
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "svc", nil)

	log.Info(context.Background(), "ignored")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithMetadata(&buf, LevelDebug, "svc", nil, events, map[string]string{"hostname": "h1"})
	log.Error(context.Background(), "boom", "err", "bad")

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "bad", got.Attributes["err"])
	assert.Contains(t, buf.String(), `"hostname":"h1"`)
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "svc", nil))
	lc.Add("request_id", "r-9")
	lc.Add("stage", "PROCESSING")
	lc.Info(context.Background(), "running")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "r-9", rec["request_id"])
	assert.Equal(t, "PROCESSING", rec["stage"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	log := Noop()
	log.With("k", "v").Error(context.Background(), "nothing")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	lvl, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
