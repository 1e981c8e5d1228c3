package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

// Compile-time interface assertion.
var _ Adapter = (*AppleHealthClient)(nil)

// appleSampleTypes maps engine metric types to HealthKit sample type
// identifiers understood by the bridge. Types absent from the map are not
// supported on this platform.
var appleSampleTypes = map[domain.MetricType]string{
	domain.MetricHeartRate:        "HKQuantityTypeIdentifierHeartRate",
	domain.MetricSteps:            "HKQuantityTypeIdentifierStepCount",
	domain.MetricBloodPressure:    "HKCorrelationTypeIdentifierBloodPressure",
	domain.MetricWeight:           "HKQuantityTypeIdentifierBodyMass",
	domain.MetricSleepDuration:    "HKCategoryTypeIdentifierSleepAnalysis",
	domain.MetricBloodGlucose:     "HKQuantityTypeIdentifierBloodGlucose",
	domain.MetricOxygenSaturation: "HKQuantityTypeIdentifierOxygenSaturation",
	domain.MetricBodyTemperature:  "HKQuantityTypeIdentifierBodyTemperature",
}

// AppleHealthClient talks to the HealthKit HTTP bridge. The bridge exposes
// sample queries and HealthKit's anchored-object queries; the opaque anchor
// cursor it returns is carried verbatim in domain.QueryAnchor.
type AppleHealthClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewAppleHealthClient creates a HealthKit bridge client.
func NewAppleHealthClient(cfg config.PlatformConfig, logger *slog.Logger) *AppleHealthClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:9460"
	}
	return &AppleHealthClient{
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

// Name implements Adapter.
func (c *AppleHealthClient) Name() domain.Platform { return domain.PlatformApple }

// Read implements Adapter.
func (c *AppleHealthClient) Read(ctx context.Context, t domain.MetricType, start, end time.Time) ([]domain.HealthMetric, error) {
	sampleType, ok := appleSampleTypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, t)
	}

	q := url.Values{}
	q.Set("type", sampleType)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))

	body, err := doJSONRequest(ctx, c.client, "GET", c.baseURL+"/v1/samples?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.WrapOp("AppleHealth.Read", err)
	}

	var resp struct {
		Samples []bridgeSample `json:"samples"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal samples: %w", err)
	}

	metrics := make([]domain.HealthMetric, 0, len(resp.Samples))
	for _, s := range resp.Samples {
		s.Type = string(t)
		metrics = append(metrics, s.toMetric(domain.PlatformApple))
	}

	c.logger.Debug("healthkit read", "type", t, "samples", len(metrics))
	return metrics, nil
}

// Write implements Adapter.
func (c *AppleHealthClient) Write(ctx context.Context, m domain.HealthMetric) error {
	sampleType, ok := appleSampleTypes[m.Type]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, m.Type)
	}

	payload, err := json.Marshal(struct {
		SampleType string       `json:"sample_type"`
		Sample     bridgeSample `json:"sample"`
	}{SampleType: sampleType, Sample: fromMetric(m)})
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	if _, err := doJSONRequest(ctx, c.client, "POST", c.baseURL+"/v1/samples", payload); err != nil {
		return domain.WrapOp("AppleHealth.Write", err)
	}
	return nil
}

// ObserveIncremental implements Adapter using HealthKit anchored queries.
// The bridge returns samples added since the given anchor together with a
// new opaque anchor token.
func (c *AppleHealthClient) ObserveIncremental(ctx context.Context, t domain.MetricType, anchor domain.QueryAnchor) ([]domain.HealthMetric, domain.QueryAnchor, error) {
	sampleType, ok := appleSampleTypes[t]
	if !ok {
		return nil, anchor, fmt.Errorf("%w: %s", domain.ErrTypeUnsupported, t)
	}

	payload, err := json.Marshal(struct {
		SampleType string `json:"sample_type"`
		Anchor     string `json:"anchor,omitempty"`
	}{SampleType: sampleType, Anchor: anchor.Cursor})
	if err != nil {
		return nil, anchor, fmt.Errorf("marshal anchored query: %w", err)
	}

	body, err := doJSONRequest(ctx, c.client, "POST", c.baseURL+"/v1/anchored-query", payload)
	if err != nil {
		return nil, anchor, domain.WrapOp("AppleHealth.ObserveIncremental", err)
	}

	var resp struct {
		Samples   []bridgeSample `json:"samples"`
		NewAnchor string         `json:"new_anchor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, anchor, fmt.Errorf("unmarshal anchored query: %w", err)
	}

	metrics := make([]domain.HealthMetric, 0, len(resp.Samples))
	for _, s := range resp.Samples {
		s.Type = string(t)
		metrics = append(metrics, s.toMetric(domain.PlatformApple))
	}

	next := domain.QueryAnchor{Type: t, Cursor: resp.NewAnchor, UpdatedAt: time.Now().UTC()}
	c.logger.Debug("healthkit anchored query",
		"type", t,
		"samples", len(metrics),
		"anchor_advanced", next.Cursor != anchor.Cursor,
	)
	return metrics, next, nil
}
