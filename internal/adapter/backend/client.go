// Package backend contains the client for the remote health data ingestion
// API. Uploads go through an outbound rate limiter and a circuit breaker so
// a struggling backend is not hammered by retry storms.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// Ingestor accepts batches of metrics for upload. Implementations upload the
// whole batch atomically from the caller's point of view: an error means
// none of the batch may be assumed delivered.
type Ingestor interface {
	UploadBatch(ctx context.Context, metrics []domain.HealthMetric) error
}

// Compile-time interface assertion.
var _ Ingestor = (*Client)(nil)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// uploadAck is the ingestion API's response to a successful batch POST.
type uploadAck struct {
	Accepted int    `json:"accepted"`
	BatchID  string `json:"batch_id"`
}

// Client uploads metric batches to the ingestion API.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*uploadAck]
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient creates an ingestion API client.
func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*uploadAck](gobreaker.Settings{
		Name:        "backend-ingest",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	// Smooth outbound uploads; burst of 1 keeps chunk POSTs evenly spaced.
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.UploadRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRPS), 1)
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		breaker: cb,
		limiter: limiter,
		logger:  logger,
	}
}

// UploadBatch implements Ingestor. The call blocks on the outbound rate
// limiter, then posts the batch through the circuit breaker. An open circuit
// surfaces as a network-unavailable error so the executor treats it as
// transient.
func (c *Client) UploadBatch(ctx context.Context, metrics []domain.HealthMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	ack, err := c.breaker.Execute(func() (*uploadAck, error) {
		return c.postBatch(ctx, metrics)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: ingestion circuit open: %v", domain.ErrNetworkUnavailable, err)
		}
		return err
	}

	c.logger.Debug("batch uploaded",
		"metrics", len(metrics),
		"accepted", ack.Accepted,
		"batch_id", ack.BatchID,
	)
	return nil
}

// State returns the current circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) postBatch(ctx context.Context, metrics []domain.HealthMetric) (*uploadAck, error) {
	payload, err := json.Marshal(struct {
		Metrics []domain.HealthMetric `json:"metrics"`
	}{Metrics: metrics})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/metrics/batch", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp.StatusCode, body)
	}

	var ack uploadAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("unmarshal ack: %w", err)
	}
	return &ack, nil
}

// mapHTTPError maps an ingestion API status code to a domain error.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("ingestion error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimitExceeded, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrNetworkUnavailable, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetworkUnavailable, err)
}
