//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"healthsync/internal/adapter/backend"
	"healthsync/internal/adapter/platform"
	"healthsync/internal/adapter/store"
	"healthsync/internal/domain"
	"healthsync/internal/infra/config"
	"healthsync/internal/security"
	"healthsync/internal/usecase"
)

const testAuthToken = "e2e-token"

// fakeBridge emulates the HealthKit HTTP bridge's anchored-query endpoint.
// Each call advances the anchor; samples are served once per anchor position.
type fakeBridge struct {
	mu      sync.Mutex
	batches map[string][][]map[string]any // sample_type -> per-anchor-position batches
	calls   int
}

func (b *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/anchored-query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SampleType string `json:"sample_type"`
			Anchor     string `json:"anchor"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.calls++
		pos := 0
		if req.Anchor != "" {
			json.Unmarshal([]byte(req.Anchor), &pos)
		}
		var samples []map[string]any
		if batches := b.batches[req.SampleType]; pos < len(batches) {
			samples = batches[pos]
			pos++
		}
		b.mu.Unlock()

		next, _ := json.Marshal(pos)
		json.NewEncoder(w).Encode(map[string]any{
			"samples":    samples,
			"new_anchor": string(next),
		})
	})
	return mux
}

// fakeIngest emulates the backend ingestion API and records everything it
// accepts.
type fakeIngest struct {
	mu       sync.Mutex
	received []domain.HealthMetric
	failWith int // HTTP status; 0 = accept
}

func (f *fakeIngest) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/metrics/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testAuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != 0 {
			http.Error(w, "unavailable", f.failWith)
			return
		}
		var req struct {
			Metrics []domain.HealthMetric `json:"metrics"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.received = append(f.received, req.Metrics...)
		json.NewEncoder(w).Encode(map[string]any{
			"accepted": len(req.Metrics),
			"batch_id": "e2e-batch",
		})
	})
	return mux
}

func (f *fakeIngest) snapshot() []domain.HealthMetric {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.HealthMetric, len(f.received))
	copy(out, f.received)
	return out
}

type pipeline struct {
	orchestrator *usecase.Orchestrator
	sealer       *usecase.MetricSealer
	store        *store.SQLiteStateStore
}

func buildPipeline(t *testing.T, bridgeURL, backendURL string, types []domain.MetricType) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keyStore, err := security.NewFileKeyStore(t.TempDir(), "e2e-passphrase", false)
	if err != nil {
		t.Fatalf("NewFileKeyStore: %v", err)
	}
	gateway, err := security.NewGateway(keyStore)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	t.Cleanup(gateway.Zeroize)

	stateStore, err := store.NewSQLiteStateStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStateStore: %v", err)
	}
	t.Cleanup(func() { stateStore.Close() })

	adapter := platform.NewAppleHealthClient(config.PlatformConfig{BaseURL: bridgeURL}, logger)
	sealer := usecase.NewMetricSealer(gateway)
	executor := usecase.NewExecutor(adapter,
		usecase.NewQueryCache(time.Hour, 16),
		usecase.NewRateBudget(1000, time.Hour),
		sealer,
		usecase.ExecutorOptions{QueryTimeout: 10 * time.Second},
		logger,
	)
	uploader := usecase.NewBatchUploader(
		backend.NewClient(config.BackendConfig{BaseURL: backendURL, AuthToken: testAuthToken}, logger),
		100, logger)
	device := usecase.NewDeviceMonitor(config.DeviceConfig{}, 0.15, logger)
	orchestrator := usecase.NewOrchestrator(executor, uploader, stateStore, device,
		usecase.OrchestratorOptions{MetricTypes: types}, logger)

	return &pipeline{orchestrator: orchestrator, sealer: sealer, store: stateStore}
}

func TestE2EFullSyncCycle(t *testing.T) {
	SkipIfShort(t)

	now := time.Now().UTC().Format(time.RFC3339)
	bridge := &fakeBridge{batches: map[string][][]map[string]any{
		"HKQuantityTypeIdentifierHeartRate": {
			{{"id": "hr-1", "quantity": 72.0, "unit": "bpm", "timestamp": now}},
		},
		"HKQuantityTypeIdentifierStepCount": {
			{{"id": "st-1", "quantity": 4200.0, "unit": "count", "timestamp": now}},
		},
	}}
	bridgeSrv := httptest.NewServer(bridge.handler())
	defer bridgeSrv.Close()

	ingest := &fakeIngest{}
	ingestSrv := httptest.NewServer(ingest.handler())
	defer ingestSrv.Close()

	p := buildPipeline(t, bridgeSrv.URL, ingestSrv.URL,
		[]domain.MetricType{domain.MetricHeartRate, domain.MetricSteps})
	ctx := NewTestContext(t, LoadConfig().TestTimeout)

	result, err := p.orchestrator.RunCycle(ctx, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Fatalf("Status = %q, want completed (failed: %+v)", result.Status, result.Failed())
	}

	received := ingest.snapshot()
	if len(received) != 2 {
		t.Fatalf("backend received %d metrics, want 2", len(received))
	}

	for _, m := range received {
		switch m.Type {
		case domain.MetricHeartRate:
			// Sensitive: must arrive sealed with the plaintext zeroed.
			if !m.Encrypted || len(m.Sealed) == 0 {
				t.Errorf("heart rate metric not sealed: %+v", m)
			}
			if m.Value.Quantity != 0 {
				t.Errorf("heart rate plaintext leaked: %v", m.Value.Quantity)
			}
			opened, err := p.sealer.Open(m)
			if err != nil {
				t.Fatalf("Open sealed metric: %v", err)
			}
			if opened.Value.Quantity != 72 {
				t.Errorf("decrypted quantity = %v, want 72", opened.Value.Quantity)
			}
		case domain.MetricSteps:
			if m.Encrypted || m.Value.Quantity != 4200 {
				t.Errorf("steps metric altered in transit: %+v", m)
			}
		default:
			t.Errorf("unexpected metric type %q", m.Type)
		}
	}

	// Anchors must be committed past the consumed batches.
	for _, mt := range []domain.MetricType{domain.MetricHeartRate, domain.MetricSteps} {
		anchor, err := p.store.GetAnchor(ctx, mt)
		if err != nil {
			t.Fatalf("GetAnchor(%s): %v", mt, err)
		}
		if anchor.Cursor != "1" {
			t.Errorf("%s cursor = %q, want 1", mt, anchor.Cursor)
		}
	}

	// A second cycle finds nothing new but must not replay the first batch.
	result, err = p.orchestrator.RunCycle(ctx, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Fatalf("second Status = %q, want completed", result.Status)
	}
	if got := len(ingest.snapshot()); got != 2 {
		t.Errorf("backend received %d metrics after second cycle, want 2 (no replay)", got)
	}
}

func TestE2EUploadFailureKeepsAnchorForRetry(t *testing.T) {
	SkipIfShort(t)

	now := time.Now().UTC().Format(time.RFC3339)
	bridge := &fakeBridge{batches: map[string][][]map[string]any{
		"HKQuantityTypeIdentifierStepCount": {
			{{"id": "st-1", "quantity": 900.0, "unit": "count", "timestamp": now}},
		},
	}}
	bridgeSrv := httptest.NewServer(bridge.handler())
	defer bridgeSrv.Close()

	ingest := &fakeIngest{failWith: http.StatusServiceUnavailable}
	ingestSrv := httptest.NewServer(ingest.handler())
	defer ingestSrv.Close()

	p := buildPipeline(t, bridgeSrv.URL, ingestSrv.URL, []domain.MetricType{domain.MetricSteps})
	ctx := NewTestContext(t, LoadConfig().TestTimeout)

	result, err := p.orchestrator.RunCycle(ctx, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if _, err := p.store.GetAnchor(ctx, domain.MetricSteps); !errors.Is(err, domain.ErrAnchorNotFound) {
		t.Fatal("anchor must not advance past an unconfirmed upload")
	}

	// Backend recovers; the retry cycle re-fetches and delivers the batch.
	ingest.mu.Lock()
	ingest.failWith = 0
	ingest.mu.Unlock()

	result, err = p.orchestrator.RunCycle(ctx, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("retry RunCycle: %v", err)
	}
	if result.Status != domain.StatusCompleted {
		t.Fatalf("retry Status = %q, want completed (failed: %+v)", result.Status, result.Failed())
	}
	if got := len(ingest.snapshot()); got != 1 {
		t.Errorf("backend received %d metrics, want 1", got)
	}
}
