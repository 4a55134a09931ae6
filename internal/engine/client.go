// Package engine sends signed run payloads to the external workflow engine.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/signature"
	"github.com/sony/gobreaker"
)

// DefaultTimeout bounds a single dispatch.
const DefaultTimeout = 30 * time.Second

// bodyPreviewLimit caps how much of an error response is kept in diagnostics.
const bodyPreviewLimit = 200

// ErrNotConfigured is returned when the webhook URL or secret is empty.
var ErrNotConfigured = runs.ErrEngineNotConfigured

// Options configures a Client.
type Options struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// HTTPClient overrides the default client. Its Timeout is left as is.
	HTTPClient *http.Client
	// Breaker overrides the circuit breaker settings.
	Breaker *gobreaker.Settings
}

// StatusError is a non-2xx response from the engine.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("workflow engine returned %d", e.StatusCode)
	}
	return fmt.Sprintf("workflow engine returned %d: %s", e.StatusCode, e.Body)
}

// Client posts signed payloads to the engine. It implements runs.Dispatcher.
type Client struct {
	url    string
	secret string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
}

// New creates a Client. A Client with an empty URL or secret is valid but every
// Dispatch returns ErrNotConfigured.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	settings := gobreaker.Settings{
		Name:        "workflow-engine",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}
	if opts.Breaker != nil {
		settings = *opts.Breaker
	}
	if settings.IsSuccessful == nil {
		settings.IsSuccessful = breakerSuccess
	}

	return &Client{
		url:    opts.URL,
		secret: opts.Secret,
		http:   httpClient,
		cb:     gobreaker.NewCircuitBreaker(settings),
	}
}

// breakerSuccess keeps callers that gave up from counting against the engine.
func breakerSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Configured reports whether both the URL and the secret are set.
func (c *Client) Configured() bool {
	return c.url != "" && c.secret != ""
}

// Dispatch signs body and POSTs it to the engine. It is never retried.
func (c *Client) Dispatch(ctx context.Context, body []byte) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("workflow engine unavailable: %w", err)
	}
	return err
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderN8N, signature.Sign(body, c.secret))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach workflow engine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(preview)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PingResult describes a connectivity check.
type PingResult struct {
	StatusCode int
	Latency    time.Duration
	Body       string
}

// Ping sends a signed test payload and reports how the engine answered. Unlike
// Dispatch, a non-2xx answer is returned as a result rather than an error.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body := []byte(fmt.Sprintf(`{"version":%q,"test":true,"timestamp":%q}`,
		runs.PayloadVersion, time.Now().UTC().Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ping request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderN8N, signature.Sign(body, c.secret))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach workflow engine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewLimit))
	return &PingResult{
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
		Body:       string(preview),
	}, nil
}
