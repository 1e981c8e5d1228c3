package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// Compile-time interface assertion.
var _ Adapter = (*GoogleFitClient)(nil)

// googleDataTypes maps engine metric types to Google Fit data type names.
var googleDataTypes = map[domain.MetricType]string{
	domain.MetricHeartRate:        "com.google.heart_rate.bpm",
	domain.MetricSteps:            "com.google.step_count.delta",
	domain.MetricBloodPressure:    "com.google.blood_pressure",
	domain.MetricWeight:           "com.google.weight",
	domain.MetricSleepDuration:    "com.google.sleep.segment",
	domain.MetricBloodGlucose:     "com.google.blood_glucose",
	domain.MetricOxygenSaturation: "com.google.oxygen_saturation",
	domain.MetricBodyTemperature:  "com.google.body.temperature",
}

// GoogleFitClient talks to the Google Fit HTTP bridge. Fit has no anchored
// queries; incremental reads use a modified-since watermark carried as a
// unix-nanosecond cursor in domain.QueryAnchor.
type GoogleFitClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewGoogleFitClient creates a Google Fit bridge client.
func NewGoogleFitClient(cfg config.PlatformConfig, logger *slog.Logger) *GoogleFitClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:9461"
	}
	return &GoogleFitClient{
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements Adapter.
func (c *GoogleFitClient) Name() domain.Platform { return domain.PlatformGoogle }

// Read implements Adapter.
func (c *GoogleFitClient) Read(ctx context.Context, t domain.MetricType, start, end time.Time) ([]domain.HealthMetric, error) {
	dataType, ok := googleDataTypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, t)
	}

	q := url.Values{}
	q.Set("data_type", dataType)
	q.Set("start_ns", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end_ns", strconv.FormatInt(end.UnixNano(), 10))

	body, err := doJSONRequest(ctx, c.client, "GET", c.baseURL+"/fit/v1/dataset?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.WrapOp("GoogleFit.Read", err)
	}

	metrics, err := c.decodePoints(body, t)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("google fit read", "type", t, "points", len(metrics))
	return metrics, nil
}

// Write implements Adapter.
func (c *GoogleFitClient) Write(ctx context.Context, m domain.HealthMetric) error {
	dataType, ok := googleDataTypes[m.Type]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, m.Type)
	}

	payload, err := json.Marshal(struct {
		DataType string       `json:"data_type"`
		Point    bridgeSample `json:"point"`
	}{DataType: dataType, Point: fromMetric(m)})
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}

	if _, err := doJSONRequest(ctx, c.client, "POST", c.baseURL+"/fit/v1/dataset", payload); err != nil {
		return domain.WrapOp("GoogleFit.Write", err)
	}
	return nil
}

// ObserveIncremental implements Adapter. The cursor is the unix-nanosecond
// timestamp of the newest point seen so far; the bridge returns points whose
// modified time is strictly after it.
func (c *GoogleFitClient) ObserveIncremental(ctx context.Context, t domain.MetricType, anchor domain.QueryAnchor) ([]domain.HealthMetric, domain.QueryAnchor, error) {
	dataType, ok := googleDataTypes[t]
	if !ok {
		return nil, anchor, fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, t)
	}

	q := url.Values{}
	q.Set("data_type", dataType)
	if anchor.Cursor != "" {
		q.Set("modified_after_ns", anchor.Cursor)
	}

	body, err := doJSONRequest(ctx, c.client, "GET", c.baseURL+"/fit/v1/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, anchor, domain.WrapOp("GoogleFit.ObserveIncremental", err)
	}

	var resp struct {
		Points     []bridgeSample `json:"points"`
		WatermarkNs string        `json:"watermark_ns"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, anchor, fmt.Errorf("unmarshal changes: %w", err)
	}

	metrics := make([]domain.HealthMetric, 0, len(resp.Points))
	for _, p := range resp.Points {
		p.Type = string(t)
		metrics = append(metrics, p.toMetric(domain.PlatformGoogle))
	}

	next := anchor
	next.Type = t
	if resp.WatermarkNs != "" {
		next.Cursor = resp.WatermarkNs
		next.UpdatedAt = time.Now().UTC()
	}

	c.logger.Debug("google fit changes",
		"type", t,
		"points", len(metrics),
		"watermark", next.Cursor,
	)
	return metrics, next, nil
}

func (c *GoogleFitClient) decodePoints(body []byte, t domain.MetricType) ([]domain.HealthMetric, error) {
	var resp struct {
		Points []bridgeSample `json:"points"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal dataset: %w", err)
	}
	metrics := make([]domain.HealthMetric, 0, len(resp.Points))
	for _, p := range resp.Points {
		p.Type = string(t)
		metrics = append(metrics, p.toMetric(domain.PlatformGoogle))
	}
	return metrics, nil
}
