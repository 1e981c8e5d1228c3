package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"healthsync/internal/adapter/backend"
	"healthsync/internal/domain"
	"healthsync/internal/infra/tracer"
)

// maxConcurrentChunks bounds chunk upload fan-out.
const maxConcurrentChunks = 4

// UploadResult summarizes a batch upload.
type UploadResult struct {
	Uploaded     int // metrics confirmed accepted
	FailedChunks int
	TotalChunks  int
}

// BatchUploader splits metric batches into chunks and uploads them through
// the ingestion client. Chunks are independent: one failing chunk does not
// abort the others, and failures are reported as a partial-batch error so
// the orchestrator can hold back anchor advancement for the failed span.
// Retry policy lives in the executor and scheduler, never here.
type BatchUploader struct {
	ingestor  backend.Ingestor
	chunkSize int
	logger    *slog.Logger
}

// NewBatchUploader creates an uploader with the given chunk size.
func NewBatchUploader(ingestor backend.Ingestor, chunkSize int, logger *slog.Logger) *BatchUploader {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &BatchUploader{
		ingestor:  ingestor,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Upload sends metrics in chunks. On success all metrics are confirmed
// delivered. If some chunks fail, the result counts what was delivered and
// the error wraps ErrPartialBatch; if every chunk fails, the first chunk
// error is returned directly.
func (u *BatchUploader) Upload(ctx context.Context, metrics []domain.HealthMetric) (UploadResult, error) {
	ctx, span := tracer.StartSpan(ctx, "uploader.upload")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("metrics", len(metrics)))

	result := UploadResult{}
	if len(metrics) == 0 {
		tracer.SetOK(span)
		return result, nil
	}

	chunks := chunk(metrics, u.chunkSize)
	result.TotalChunks = len(chunks)

	var mu sync.Mutex
	var chunkErrs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)
	for i, c := range chunks {
		g.Go(func() error {
			if err := u.ingestor.UploadBatch(gctx, c); err != nil {
				u.logger.Warn("chunk upload failed",
					"chunk", i,
					"metrics", len(c),
					"error", err,
					"code", domain.ErrorCodeOf(err),
				)
				mu.Lock()
				chunkErrs = append(chunkErrs, fmt.Errorf("chunk %d: %w", i, err))
				result.FailedChunks++
				mu.Unlock()
				return nil // other chunks proceed
			}
			mu.Lock()
			result.Uploaded += len(c)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	switch {
	case len(chunkErrs) == 0:
		u.logger.Debug("batch uploaded", "metrics", result.Uploaded, "chunks", result.TotalChunks)
		tracer.SetOK(span)
		return result, nil
	case len(chunkErrs) == result.TotalChunks:
		err := chunkErrs[0]
		tracer.RecordError(span, err)
		return result, err
	default:
		err := domain.NewDomainError("BatchUploader.Upload", domain.ErrPartialBatch,
			fmt.Sprintf("%d of %d chunks failed: %v", result.FailedChunks, result.TotalChunks, chunkErrs[0]))
		tracer.RecordError(span, err)
		return result, err
	}
}

// chunk splits metrics into slices of at most size elements.
func chunk(metrics []domain.HealthMetric, size int) [][]domain.HealthMetric {
	var chunks [][]domain.HealthMetric
	for start := 0; start < len(metrics); start += size {
		end := start + size
		if end > len(metrics) {
			end = len(metrics)
		}
		chunks = append(chunks, metrics[start:end])
	}
	return chunks
}
