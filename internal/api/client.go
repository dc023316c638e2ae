// Package api is the remote client for the telemetry backend.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
	"github.com/p-blackswan/codetime-agent/internal/metrics"
	"github.com/p-blackswan/codetime-agent/internal/retry"
)

// Backend paths.
const (
	PathData        = "/data"
	PathBatch       = "/data/batch"
	PathMusic       = "/data/music"
	PathSessions    = "/sessions"
	PathRepoMembers = "/repo/members"
)

const serviceName = "codetime"

// maxResponseBytes caps how much of a response body is kept.
const maxResponseBytes = 1 << 20

// Response is a received HTTP response with its body read.
type Response struct {
	Status int
	Body   []byte
}

// Client sends requests to the backend. An error means no response was
// obtained; every received response is returned for Check to classify.
type Client interface {
	Send(ctx context.Context, method, path string, body []byte, token string) (*Response, error)
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteClient is the HTTP implementation of Client.
type RemoteClient struct {
	baseURL    string
	httpClient HTTPClient
	retry      retry.Config
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewClient creates a backend client. Retryable failures (transport errors,
// 429 and 5xx) are retried up to attempts times.
func NewClient(baseURL string, timeout time.Duration, attempts int, m *metrics.Metrics, logger zerolog.Logger) *RemoteClient {
	cfg := retry.DefaultConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	c := &RemoteClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      cfg,
		metrics:    m,
		logger:     logger.With().Str("component", "api").Logger(),
	}
	c.retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying send")
	}
	return c
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *RemoteClient) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// SetRetryConfig replaces the retry policy.
func (c *RemoteClient) SetRetryConfig(cfg retry.Config) {
	c.retry = cfg
}

// BaseURL returns the backend base URL.
func (c *RemoteClient) BaseURL() string {
	return c.baseURL
}

// Send performs the request. Responses with retryable statuses are retried;
// the last one received is returned once attempts run out.
func (c *RemoteClient) Send(ctx context.Context, method, path string, body []byte, token string) (*Response, error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveSend(routeLabel(path), time.Since(start).Seconds())
	}()

	var last *Response
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		last = nil
		resp, err := c.do(ctx, method, path, body, token)
		if err != nil {
			return err
		}
		last = resp
		if perrors.IsRetryable(perrors.NewAPIError(serviceName, resp.Status, "")) {
			return perrors.NewAPIError(serviceName, resp.Status, "retryable status")
		}
		return nil
	})
	if last != nil {
		return last, nil
	}
	return nil, err
}

func (c *RemoteClient) do(ctx context.Context, method, path string, body []byte, token string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s: %w: %v", method, path, perrors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, perrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading response: %w: %v", method, path, perrors.ErrUnavailable, err)
	}
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// routeLabel keeps the metric label set bounded by dropping query strings.
func routeLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
