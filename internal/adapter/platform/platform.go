// Package platform contains clients for the device health stores that the
// sync engine reads from. Each store is exposed through a local HTTP bridge;
// the clients here translate bridge responses into domain metrics and bridge
// failures into domain sentinel errors. Adapters never retry internally:
// retry policy lives in the query executor.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// Adapter is the uniform interface over platform health stores.
type Adapter interface {
	// Name identifies the underlying platform.
	Name() domain.Platform

	// Read fetches all samples of the given type in [start, end).
	Read(ctx context.Context, t domain.MetricType, start, end time.Time) ([]domain.HealthMetric, error)

	// Write stores a single sample back into the platform store.
	Write(ctx context.Context, m domain.HealthMetric) error

	// ObserveIncremental fetches samples added since anchor and returns the
	// new anchor. A zero anchor means "from the beginning". The returned
	// anchor must not be persisted by the caller until the samples have been
	// durably handed off.
	ObserveIncremental(ctx context.Context, t domain.MetricType, anchor domain.QueryAnchor) ([]domain.HealthMetric, domain.QueryAnchor, error)
}

// maxResponseBody is the maximum bridge response body size we read.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default bridge timeouts: short connect (loopback), moderate response.
const (
	defaultConnTimeout = 10 * time.Second
	defaultRespTimeout = 30 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// sized for a single loopback bridge host.
func NewPooledTransport(connTimeout, respTimeout time.Duration) *http.Transport {
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       10,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewHTTPClient creates an *http.Client with pooled transport and timeout
// defaults suitable for bridge calls. Used by both the Apple Health and
// Google Fit clients to avoid duplicating client setup.
func NewHTTPClient(cfg config.PlatformConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout),
		Timeout:   connTimeout + respTimeout,
	}
}

// doJSONRequest performs a JSON request against the bridge and returns the
// response body. Non-2xx statuses and transport failures come back as domain
// sentinel errors so the executor can classify them for retry.
func doJSONRequest(ctx context.Context, client *http.Client, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// mapHTTPError maps a bridge status code + response body to a domain error.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("bridge error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusNotFound: // 422, 404
		return fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrPlatformUnavailable, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// mapTransportError classifies connection-level failures. A refused or
// timed-out bridge connection means the store process is not serving, which
// is transient from the engine's perspective.
func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrPlatformUnavailable, err)
}

// bridgeSample is the wire form of a sample as the bridges report it.
type bridgeSample struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Quantity  float64   `json:"quantity,omitempty"`
	Systolic  float64   `json:"systolic,omitempty"`
	Diastolic float64   `json:"diastolic,omitempty"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// toMetric converts a bridge sample to a domain metric, stamping the source
// platform and generating an ID when the bridge did not supply one.
func (s bridgeSample) toMetric(source domain.Platform) domain.HealthMetric {
	id := s.ID
	if id == "" {
		id = domain.NewMetricID()
	}
	return domain.HealthMetric{
		ID:   id,
		Type: domain.MetricType(s.Type),
		Value: domain.Value{
			Quantity:  s.Quantity,
			Systolic:  s.Systolic,
			Diastolic: s.Diastolic,
		},
		Unit:      s.Unit,
		Timestamp: s.Timestamp,
		Source:    source,
	}
}

// fromMetric converts a domain metric back to its wire form for Write.
func fromMetric(m domain.HealthMetric) bridgeSample {
	return bridgeSample{
		ID:        m.ID,
		Type:      string(m.Type),
		Quantity:  m.Value.Quantity,
		Systolic:  m.Value.Systolic,
		Diastolic: m.Value.Diastolic,
		Unit:      m.Unit,
		Timestamp: m.Timestamp,
	}
}
