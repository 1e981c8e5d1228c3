package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"healthsync/internal/domain"
)

// fakeIngestor records chunk sizes and fails selected calls by order.
type fakeIngestor struct {
	mu         sync.Mutex
	chunkSizes []int
	failChunks map[int]error // keyed by call order
	calls      int
}

func (f *fakeIngestor) UploadBatch(ctx context.Context, metrics []domain.HealthMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	f.chunkSizes = append(f.chunkSizes, len(metrics))
	if err, ok := f.failChunks[call]; ok {
		return err
	}
	return nil
}

func metricsBatch(n int) []domain.HealthMetric {
	batch := make([]domain.HealthMetric, n)
	for i := range batch {
		batch[i] = sampleMetric(domain.MetricSteps, float64(i))
	}
	return batch
}

func TestUploaderChunking(t *testing.T) {
	ingestor := &fakeIngestor{}
	u := NewBatchUploader(ingestor, 100, newTestLogger())

	res, err := u.Upload(context.Background(), metricsBatch(250))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if res.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", res.TotalChunks)
	}
	if res.Uploaded != 250 {
		t.Errorf("Uploaded = %d, want 250", res.Uploaded)
	}

	total := 0
	for _, size := range ingestor.chunkSizes {
		if size > 100 {
			t.Errorf("chunk size %d exceeds limit", size)
		}
		total += size
	}
	if total != 250 {
		t.Errorf("total sent = %d, want 250", total)
	}
}

func TestUploaderPartialFailure(t *testing.T) {
	ingestor := &fakeIngestor{
		failChunks: map[int]error{1: fmt.Errorf("%w: 502", domain.ErrNetworkUnavailable)},
	}
	u := NewBatchUploader(ingestor, 100, newTestLogger())

	// Chunks upload concurrently, so the failed call may land on any of
	// them. Equal chunk sizes keep the expected count deterministic.
	res, err := u.Upload(context.Background(), metricsBatch(300))
	if !errors.Is(err, domain.ErrPartialBatch) {
		t.Fatalf("err = %v, want ErrPartialBatch", err)
	}
	if res.FailedChunks != 1 {
		t.Errorf("FailedChunks = %d, want 1", res.FailedChunks)
	}
	if res.Uploaded != 200 {
		t.Errorf("Uploaded = %d, want 200 (two of three chunks)", res.Uploaded)
	}
}

func TestUploaderAllChunksFail(t *testing.T) {
	cause := fmt.Errorf("%w: down", domain.ErrNetworkUnavailable)
	ingestor := &fakeIngestor{
		failChunks: map[int]error{0: cause, 1: cause, 2: cause},
	}
	u := NewBatchUploader(ingestor, 100, newTestLogger())

	res, err := u.Upload(context.Background(), metricsBatch(250))
	if errors.Is(err, domain.ErrPartialBatch) {
		t.Fatal("total failure should not be reported as partial")
	}
	if !errors.Is(err, domain.ErrNetworkUnavailable) {
		t.Fatalf("err = %v, want underlying cause", err)
	}
	if res.Uploaded != 0 {
		t.Errorf("Uploaded = %d, want 0", res.Uploaded)
	}
}

func TestUploaderEmptyBatch(t *testing.T) {
	ingestor := &fakeIngestor{}
	u := NewBatchUploader(ingestor, 100, newTestLogger())

	res, err := u.Upload(context.Background(), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.TotalChunks != 0 || ingestor.calls != 0 {
		t.Errorf("empty batch should touch nothing: %+v, calls=%d", res, ingestor.calls)
	}
}

func TestUploaderSingleSmallBatch(t *testing.T) {
	ingestor := &fakeIngestor{}
	u := NewBatchUploader(ingestor, 100, newTestLogger())

	res, err := u.Upload(context.Background(), metricsBatch(7))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.TotalChunks != 1 || res.Uploaded != 7 {
		t.Errorf("result = %+v, want 1 chunk of 7", res)
	}
}
