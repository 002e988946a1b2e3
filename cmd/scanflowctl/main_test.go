package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func setupEnv(t *testing.T) {
	t.Helper()

	normalizer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"target":"example.com","port":443,"service":"https"}]}`))
	}))
	t.Cleanup(normalizer.Close)

	reporter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report":"https is exposed on 443"}`))
	}))
	t.Cleanup(reporter.Close)

	t.Setenv("SCANFLOW_CONFIG", "")
	t.Setenv("SCANFLOW_DB_DRIVER", "sqlite")
	t.Setenv("SCANFLOW_DB_DSN", filepath.Join(t.TempDir(), "scanflow.db"))
	t.Setenv("SCANFLOW_COLLABORATORS_NORMALIZER_URL", normalizer.URL)
	t.Setenv("SCANFLOW_COLLABORATORS_REPORTER_URL", reporter.URL)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func executeJSON(t *testing.T, v any, args ...string) {
	t.Helper()

	out, err := execute(t, "", append(args, "-o", "json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestCreateStatusFailRetry(t *testing.T) {
	setupEnv(t)

	var created requestView
	executeJSON(t, &created, "create", "https://example.com")
	assert.Equal(t, "PENDING", created.Stage)

	var status statusView
	executeJSON(t, &status, "status", created.ID)
	assert.Equal(t, "PENDING", status.Stage)
	assert.NotEmpty(t, status.Message)

	var failed transitionView
	executeJSON(t, &failed, "fail", created.ID)
	assert.Equal(t, "FAILED", failed.Stage)
	assert.Equal(t, "PENDING", failed.Previous)
	assert.True(t, failed.Changed)

	var retried transitionView
	executeJSON(t, &retried, "retry", created.ID)
	assert.Equal(t, "PENDING", retried.Stage)

	var listed []requestView
	executeJSON(t, &listed, "list", "--stage", "PENDING")
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
}

func TestIngestRunsPipeline(t *testing.T) {
	setupEnv(t)

	var created requestView
	executeJSON(t, &created, "create", "https://example.com")

	out, err := execute(t, `{"hosts":["example.com"]}`, "ingest", created.ID, "-", "-o", "json")
	require.NoError(t, err, out)

	var ingested ingestView
	require.NoError(t, json.Unmarshal([]byte(out), &ingested))
	assert.True(t, ingested.RunStarted)
	assert.Equal(t, "COMPLETED", ingested.Status.Stage)
	require.Len(t, ingested.Status.Results, 1)
	assert.Equal(t, "https is exposed on 443", ingested.Status.Results[0].Report)

	var outcomes []runView
	executeJSON(t, &outcomes, "run")
	assert.Empty(t, outcomes)
}

func TestRunWithoutPayloadIsSkipped(t *testing.T) {
	setupEnv(t)

	var created requestView
	executeJSON(t, &created, "create", "https://example.com")

	var outcome runView
	executeJSON(t, &outcome, "run", created.ID)
	assert.Equal(t, "skipped", outcome.Status)
}

func TestSweepYAMLOutput(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "", "sweep")
	require.NoError(t, err, out)

	var swept map[string][]string
	require.NoError(t, yaml.Unmarshal([]byte(out), &swept))
	assert.Empty(t, swept["failed"])
}

func TestCommandErrors(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "", "status", "not-a-uuid")
	assert.Error(t, err)

	_, err = execute(t, "", "create", "ftp://example.com")
	assert.Error(t, err)

	_, err = execute(t, "", "list", "-o", "xml")
	assert.Error(t, err)

	_, err = execute(t, "", "ingest", "00000000-0000-0000-0000-000000000001", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&buf, formatYAML, transitionView{ID: "x", Stage: "FAILED", Changed: true}))
	assert.Contains(t, buf.String(), "stage: FAILED")

	assert.Error(t, render(&buf, "toml", nil))
}
