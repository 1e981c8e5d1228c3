package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"healthsync/internal/domain"
	"healthsync/internal/infra/tracer"
)

// maxConcurrentTypes bounds per-type fan-out within a cycle.
const maxConcurrentTypes = 4

// StateStore is the durable state the orchestrator commits between cycles.
// Anchors and sync state are persisted; sealed values are parked for upload
// retry and key-rotation sweeps.
type StateStore interface {
	GetAnchor(ctx context.Context, t domain.MetricType) (domain.QueryAnchor, error)
	PutAnchor(ctx context.Context, a domain.QueryAnchor) error
	GetSyncState(ctx context.Context, t domain.MetricType) (domain.SyncState, error)
	PutSyncState(ctx context.Context, st domain.SyncState) error
	SaveSealed(ctx context.Context, id string, blob []byte) error
	DeleteSealed(ctx context.Context, id string) error
}

// OrchestratorOptions configure cycle behavior.
type OrchestratorOptions struct {
	MetricTypes []domain.MetricType
}

// Orchestrator drives sync cycles: validate device conditions, fetch
// incremental samples per type, upload, and commit anchors. At most one
// cycle runs at a time; the task token is held for the cycle's duration and
// released on every exit path. Anchors advance only after the samples
// behind them are confirmed uploaded.
type Orchestrator struct {
	executor *Executor
	uploader *BatchUploader
	store    StateStore
	device   *DeviceMonitor
	opts     OrchestratorOptions
	logger   *slog.Logger

	// token is the cycle task token: buffered size 1, holding it means a
	// cycle is running.
	token chan struct{}

	mu    sync.Mutex
	phase domain.CyclePhase
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(executor *Executor, uploader *BatchUploader, store StateStore, device *DeviceMonitor, opts OrchestratorOptions, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		executor: executor,
		uploader: uploader,
		store:    store,
		device:   device,
		opts:     opts,
		logger:   logger,
		token:    make(chan struct{}, 1),
		phase:    domain.PhaseIdle,
	}
}

// Phase returns the current cycle phase.
func (o *Orchestrator) Phase() domain.CyclePhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p domain.CyclePhase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// RunCycle executes one sync cycle. Device conditions are validated before
// the task token is taken, so a refused cycle never blocks a later one.
// High-priority cycles bypass the battery gate but still require
// connectivity. A second concurrent call fails fast with ErrSyncInProgress.
func (o *Orchestrator) RunCycle(ctx context.Context, priority domain.Priority) (domain.CycleResult, error) {
	ctx, span := tracer.StartSpan(ctx, "sync.cycle")
	defer span.End()

	result := domain.CycleResult{
		ID:        domain.NewMetricID(),
		Priority:  priority,
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(
		tracer.StringAttr("cycle.id", result.ID),
		tracer.StringAttr("cycle.priority", string(priority)),
	)

	o.setPhase(domain.PhaseValidating)
	if err := o.validateConditions(priority); err != nil {
		o.setPhase(domain.PhaseIdle)
		result.Status = domain.StatusFailed
		result.FinishedAt = time.Now().UTC()
		o.logger.Warn("sync cycle refused",
			"cycle_id", result.ID,
			"error", err,
			"code", domain.ErrorCodeOf(err),
		)
		tracer.RecordError(span, err)
		return result, err
	}

	select {
	case o.token <- struct{}{}:
	default:
		o.setPhase(domain.PhaseIdle)
		result.Status = domain.StatusFailed
		result.FinishedAt = time.Now().UTC()
		err := domain.NewDomainError("Orchestrator.RunCycle", domain.ErrSyncInProgress, "")
		tracer.RecordError(span, err)
		return result, err
	}
	defer func() {
		<-o.token
		o.setPhase(domain.PhaseIdle)
	}()

	o.setPhase(domain.PhaseSyncing)
	o.logger.Info("sync cycle started",
		"cycle_id", result.ID,
		"priority", priority,
		"types", len(o.opts.MetricTypes),
	)

	outcomes := make([]domain.TypeOutcome, len(o.opts.MetricTypes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTypes)
	for i, t := range o.opts.MetricTypes {
		g.Go(func() error {
			outcomes[i] = o.syncType(gctx, t)
			return nil
		})
	}
	g.Wait()

	o.setPhase(domain.PhaseDone)
	result.Types = outcomes
	result.FinishedAt = time.Now().UTC()
	result.Status = cycleStatus(outcomes)

	failed := result.Failed()
	attrs := []any{
		"cycle_id", result.ID,
		"status", result.Status,
		"uploaded", result.Uploaded(),
		"duration", result.FinishedAt.Sub(result.StartedAt),
	}
	switch result.Status {
	case domain.StatusCompleted:
		o.logger.Info("sync cycle completed", attrs...)
	case domain.StatusPartialFailure:
		o.logger.Warn("sync cycle partially failed", append(attrs, "failed_types", len(failed))...)
		tracer.RecordError(span, failed[0].Err)
	case domain.StatusFailed:
		o.logger.Error("sync cycle failed", append(attrs, "error", failed[0].Err)...)
		tracer.RecordError(span, failed[0].Err)
	}
	if result.Status == domain.StatusCompleted {
		tracer.SetOK(span)
	}
	return result, nil
}

// validateConditions gates cycle start on device state.
func (o *Orchestrator) validateConditions(priority domain.Priority) error {
	if priority == domain.PriorityHigh {
		if !o.device.IsOnline() {
			return domain.NewDomainError("Orchestrator.RunCycle", domain.ErrNetworkUnavailable, "no connectivity")
		}
		return nil
	}
	return o.device.CheckConditions()
}

// syncType runs the fetch/validate/upload/commit pipeline for one metric
// type. The anchor is committed only when every fetched sample has been
// confirmed uploaded; on partial or full upload failure the old anchor
// stays, so the next cycle re-fetches the same span (uploads are
// idempotent on metric ID backend-side).
func (o *Orchestrator) syncType(ctx context.Context, t domain.MetricType) domain.TypeOutcome {
	started := time.Now()
	outcome := domain.TypeOutcome{Type: t}
	defer func() { outcome.Duration = time.Since(started) }()

	state, err := o.store.GetSyncState(ctx, t)
	if err != nil {
		outcome.Err = domain.WrapOp("Orchestrator.syncType", err)
		return outcome
	}

	anchor, err := o.store.GetAnchor(ctx, t)
	if err != nil && !errors.Is(err, domain.ErrAnchorNotFound) {
		outcome.Err = domain.WrapOp("Orchestrator.syncType", err)
		return outcome
	}

	metrics, next, err := o.executor.Observe(ctx, t, anchor)
	if err != nil {
		outcome.Err = err
		o.recordFailure(ctx, state, err)
		return outcome
	}

	if len(metrics) == 0 {
		// Nothing new; still commit the advanced anchor so the platform
		// does not replay the empty span.
		o.commitSuccess(ctx, state, next)
		return outcome
	}

	// Park sealed values so a crash between upload and commit leaves the
	// blobs recoverable (and visible to key-rotation sweeps).
	for _, m := range metrics {
		if !m.Encrypted {
			continue
		}
		if err := o.store.SaveSealed(ctx, m.ID, m.Sealed); err != nil {
			o.logger.Warn("failed to park sealed value", "metric_id", m.ID, "error", err)
		}
	}

	res, err := o.uploader.Upload(ctx, metrics)
	outcome.Uploaded = res.Uploaded
	if err != nil {
		// Anchor stays put: the un-uploaded samples must be re-fetched.
		outcome.Err = err
		o.recordFailure(ctx, state, err)
		return outcome
	}

	for _, m := range metrics {
		if m.Encrypted {
			if err := o.store.DeleteSealed(ctx, m.ID); err != nil {
				o.logger.Warn("failed to clear sealed value", "metric_id", m.ID, "error", err)
			}
		}
	}

	o.commitSuccess(ctx, state, next)
	return outcome
}

func (o *Orchestrator) commitSuccess(ctx context.Context, state domain.SyncState, anchor domain.QueryAnchor) {
	if !anchor.IsZero() {
		if err := o.store.PutAnchor(ctx, anchor); err != nil {
			o.logger.Error("failed to commit anchor", "type", anchor.Type, "error", err)
			return
		}
	}
	state.LastSyncAt = time.Now().UTC()
	state.ConsecutiveFailures = 0
	state.LastError = ""
	if err := o.store.PutSyncState(ctx, state); err != nil {
		o.logger.Warn("failed to persist sync state", "type", state.Type, "error", err)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, state domain.SyncState, cause error) {
	state.ConsecutiveFailures++
	state.LastError = cause.Error()
	if err := o.store.PutSyncState(ctx, state); err != nil {
		o.logger.Warn("failed to persist sync state", "type", state.Type, "error", err)
	}
}

func cycleStatus(outcomes []domain.TypeOutcome) domain.CycleStatus {
	failed := 0
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return domain.StatusCompleted
	case failed == len(outcomes):
		return domain.StatusFailed
	default:
		return domain.StatusPartialFailure
	}
}
