package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
)

func TestGoogleFitRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fit/v1/dataset" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("data_type"); got != "com.google.step_count.delta" {
			t.Errorf("data_type = %q, want step count delta", got)
		}

		resp := struct {
			Points []bridgeSample `json:"points"`
		}{
			Points: []bridgeSample{
				{ID: "gf-1", Quantity: 4200, Unit: "count", Timestamp: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewGoogleFitClient(config.PlatformConfig{BaseURL: server.URL}, newTestLogger())

	start := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	metrics, err := client.Read(context.Background(), domain.MetricSteps, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(metrics) != 1 {
		t.Fatalf("len(metrics) = %d, want 1", len(metrics))
	}
	if metrics[0].Source != domain.PlatformGoogle {
		t.Errorf("Source = %q, want google_fit", metrics[0].Source)
	}
	if metrics[0].Value.Quantity != 4200 {
		t.Errorf("Quantity = %v, want 4200", metrics[0].Value.Quantity)
	}
}

func TestGoogleFitObserveIncrementalWatermark(t *testing.T) {
	var gotWatermark string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fit/v1/changes" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotWatermark = r.URL.Query().Get("modified_after_ns")

		resp := struct {
			Points      []bridgeSample `json:"points"`
			WatermarkNs string         `json:"watermark_ns"`
		}{
			Points: []bridgeSample{
				{ID: "gf-7", Systolic: 118, Diastolic: 76, Unit: "mmHg", Timestamp: time.Now().UTC()},
			},
			WatermarkNs: "1756450800000000000",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewGoogleFitClient(config.PlatformConfig{BaseURL: server.URL}, newTestLogger())

	prev := domain.QueryAnchor{Type: domain.MetricBloodPressure, Cursor: "1756447200000000000"}
	metrics, next, err := client.ObserveIncremental(context.Background(), domain.MetricBloodPressure, prev)
	if err != nil {
		t.Fatalf("ObserveIncremental: %v", err)
	}

	if gotWatermark != "1756447200000000000" {
		t.Errorf("bridge received cursor %q, want previous watermark", gotWatermark)
	}
	if len(metrics) != 1 {
		t.Fatalf("len(metrics) = %d, want 1", len(metrics))
	}
	if metrics[0].Value.Systolic != 118 || metrics[0].Value.Diastolic != 76 {
		t.Errorf("composite value = %+v, want 118/76", metrics[0].Value)
	}
	if next.Cursor != "1756450800000000000" {
		t.Errorf("next cursor = %q, want new watermark", next.Cursor)
	}
}

func TestGoogleFitObserveIncrementalEmptyResponseKeepsAnchor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"points":[]}`))
	}))
	defer server.Close()

	client := NewGoogleFitClient(config.PlatformConfig{BaseURL: server.URL}, newTestLogger())

	prev := domain.QueryAnchor{Type: domain.MetricSteps, Cursor: "42", UpdatedAt: time.Now()}
	metrics, next, err := client.ObserveIncremental(context.Background(), domain.MetricSteps, prev)
	if err != nil {
		t.Fatalf("ObserveIncremental: %v", err)
	}
	if len(metrics) != 0 {
		t.Errorf("len(metrics) = %d, want 0", len(metrics))
	}
	if next.Cursor != "42" {
		t.Errorf("cursor advanced to %q without a new watermark", next.Cursor)
	}
}

func TestGoogleFitTypeUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"data type not available"}`))
	}))
	defer server.Close()

	client := NewGoogleFitClient(config.PlatformConfig{BaseURL: server.URL}, newTestLogger())

	_, err := client.Read(context.Background(), domain.MetricBloodGlucose, time.Now().Add(-time.Hour), time.Now())
	if !errors.Is(err, domain.ErrTypeUnsupported) {
		t.Fatalf("err = %v, want ErrTypeUnsupported", err)
	}
}

func TestGoogleFitWrite(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fit/v1/dataset" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			DataType string `json:"data_type"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.DataType != "com.google.weight" {
			t.Errorf("data_type = %q, want com.google.weight", req.DataType)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewGoogleFitClient(config.PlatformConfig{BaseURL: server.URL}, newTestLogger())

	err := client.Write(context.Background(), domain.HealthMetric{
		ID:        "m2",
		Type:      domain.MetricWeight,
		Value:     domain.Value{Quantity: 81.2},
		Unit:      "kg",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestPlatformRegistry(t *testing.T) {
	logger := newTestLogger()

	apple, err := New(config.PlatformConfig{Kind: "apple"}, logger)
	if err != nil {
		t.Fatalf("New(apple): %v", err)
	}
	if apple.Name() != domain.PlatformApple {
		t.Errorf("Name() = %q, want apple_health", apple.Name())
	}

	google, err := New(config.PlatformConfig{Kind: "google"}, logger)
	if err != nil {
		t.Fatalf("New(google): %v", err)
	}
	if google.Name() != domain.PlatformGoogle {
		t.Errorf("Name() = %q, want google_fit", google.Name())
	}

	if _, err := New(config.PlatformConfig{Kind: "samsung"}, logger); !errors.Is(err, domain.ErrConfigLoad) {
		t.Errorf("New(samsung) err = %v, want ErrConfigLoad", err)
	}
}
