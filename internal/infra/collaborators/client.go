// Package collaborators implements the scan engine, normalizer, and report
// generator ports as JSON-over-HTTP clients.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/pkg/common"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// ClientConfig describes one collaborator endpoint.
type ClientConfig struct {
	// BaseURL is the collaborator root, e.g. http://normalizer:8080.
	BaseURL string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// RatePerSecond limits outgoing requests. Zero disables limiting.
	RatePerSecond float64
	Burst         int
	// MaxRetries is the number of retries after a transport error or 5xx.
	MaxRetries uint64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
}

const (
	defaultTimeout        = 30 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator responded %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// client is the shared JSON transport for every collaborator.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *common.RateLimiter

	maxRetries     uint64
	initialBackoff time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

func newClient(name string, cfg ClientConfig, logger *logger.Logger, tracer trace.Tracer) (*client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s collaborator: base url is required", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}

	return &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:        common.NewRateLimiter(cfg.RatePerSecond, cfg.Burst),
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		logger:         logger.With("component", name+"_client"),
		tracer:         tracer,
	}, nil
}

// postJSON sends body to path and decodes the response into out when out is
// non-nil. Transport errors, 429, and 5xx responses are retried.
func (c *client) postJSON(ctx context.Context, path string, header http.Header, body, out any) error {
	ctx, span := c.tracer.Start(ctx, c.name+".post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	payload, ok := body.([]byte)
	if !ok {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to encode %s request: %w", c.name, err)
		}
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, c.maxRetries), ctx)

	var attempts int
	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.do(ctx, path, header, payload, out)
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "collaborator call failed, retrying",
			"path", path,
			"attempt", attempts,
			"wait", wait.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, policy, notify)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "collaborator call failed")
		return fmt.Errorf("%s %s: %w", c.name, path, err)
	}
	return nil
}

func (c *client) do(ctx context.Context, path string, header http.Header, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
