// Package httpapi sends telemetry batches to the collector's HTTP API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/retry"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 10 * time.Second

	logsPath    = "/v1/logs"
	replaysPath = "/v1/track/replay"

	maxErrorBody = 1 << 10
)

// ErrNoBaseURL is returned when Config.BaseURL is empty.
var ErrNoBaseURL = errors.New("collector base url is required")

// Config holds collector client configuration.
type Config struct {
	BaseURL        string
	PublishableKey string
	Timeout        time.Duration
	// RateLimit is the maximum requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
	UserAgent string
}

// Client implements collector.Sender over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a collector client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Burst < 1 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	logger.Info("collector client configured",
		"base_url", config.BaseURL,
		"rate_limit", config.RateLimit,
		"has_key", config.PublishableKey != "",
	)

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
		logger:     logger,
	}, nil
}

type logsRequest struct {
	Logs []domain.LogEntry `json:"logs"`
}

type replaysRequest struct {
	Replays []domain.ReplayPayload `json:"replays"`
}

// SendLogs posts a batch of log entries.
func (c *Client) SendLogs(ctx context.Context, logs []domain.LogEntry) (domain.Status, error) {
	return c.post(ctx, logsPath, logsRequest{Logs: logs})
}

// SendReplays posts a batch of replay payloads.
func (c *Client) SendReplays(ctx context.Context, replays []domain.ReplayPayload) (domain.Status, error) {
	return c.post(ctx, replaysPath, replaysRequest{Replays: replays})
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (domain.Status, error) {
	if c.config.PublishableKey == "" {
		return domain.StatusErrorPublishableKey,
			retry.NewPermanentError(domain.StatusErrorPublishableKey, errors.New("publishable key is not set"))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.StatusErrorNetwork,
			retry.NewRetryableError(domain.StatusErrorNetwork, fmt.Errorf("rate limit wait: %w", err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.StatusErrorBadRequest,
			retry.NewPermanentError(domain.StatusErrorBadRequest, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.StatusErrorUnknown,
			retry.NewPermanentError(domain.StatusErrorUnknown, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.config.PublishableKey)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.StatusErrorNetwork,
			retry.NewRetryableError(domain.StatusErrorNetwork, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, path)
}

func (c *Client) handleResponse(resp *http.Response, path string) (domain.Status, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	status := domain.StatusFromHTTP(resp.StatusCode)

	switch {
	case status == domain.StatusSuccess:
		c.logger.Debug("collector accepted batch", "path", path, "status_code", resp.StatusCode)
		return status, nil
	case status.Retryable():
		return status, retry.NewRetryableError(status,
			fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return status, retry.NewPermanentError(status,
			fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}
