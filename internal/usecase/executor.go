package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/singleflight"

	"healthsync/internal/adapter/platform"
	"healthsync/internal/domain"
	"healthsync/internal/infra/tracer"
)

// ExecutorOptions tune the query executor's retry and timeout behavior.
type ExecutorOptions struct {
	QueryTimeout time.Duration // per-attempt deadline
	MaxAttempts  int           // total attempts including the first
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	// StrictValidation makes out-of-range values fail the query instead of
	// logging a warning.
	StrictValidation bool
}

func (o *ExecutorOptions) applyDefaults() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 15 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
}

// Executor runs platform queries with the engine's full query discipline:
// rate budget, TTL cache, single-flight deduplication, per-attempt timeout,
// and bounded exponential backoff for transient failures. Sensitive values
// are sealed before results reach the cache or the caller.
type Executor struct {
	adapter platform.Adapter
	cache   *QueryCache
	budget  *RateBudget
	sealer  *MetricSealer
	opts    ExecutorOptions
	logger  *slog.Logger
	group   singleflight.Group

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a query executor.
func NewExecutor(adapter platform.Adapter, cache *QueryCache, budget *RateBudget, sealer *MetricSealer, opts ExecutorOptions, logger *slog.Logger) *Executor {
	opts.applyDefaults()
	return &Executor{
		adapter: adapter,
		cache:   cache,
		budget:  budget,
		sealer:  sealer,
		opts:    opts,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Read fetches samples of type t in [start, end), serving from cache when
// possible. Concurrent identical queries collapse into one platform call.
func (e *Executor) Read(ctx context.Context, t domain.MetricType, start, end time.Time) ([]domain.HealthMetric, error) {
	ctx, span := tracer.StartSpan(ctx, "executor.read")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("metric.type", string(t)),
		tracer.StringAttr("query.start", start.Format(time.RFC3339)),
	)

	key := CacheKey(t, start, end)
	if metrics, ok := e.cache.Get(key); ok {
		span.SetAttributes(tracer.StringAttr("cache", "hit"))
		tracer.SetOK(span)
		return metrics, nil
	}
	span.SetAttributes(tracer.StringAttr("cache", "miss"))

	result, err, shared := e.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the cache after our
		// miss and before we entered the group.
		if metrics, ok := e.cache.Get(key); ok {
			return metrics, nil
		}

		metrics, err := e.executeRead(ctx, t, start, end)
		if err != nil {
			return nil, err
		}

		metrics, err = e.validate(metrics)
		if err != nil {
			return nil, err
		}
		sealed, err := e.sealer.SealAll(metrics)
		if err != nil {
			return nil, err
		}
		e.cache.Put(key, sealed)
		return sealed, nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	if shared {
		span.SetAttributes(tracer.StringAttr("singleflight", "shared"))
	}
	tracer.SetOK(span)
	return result.([]domain.HealthMetric), nil
}

// ReadStats fetches samples of type t in [start, end) and reduces them to
// aggregate statistics. The raw samples never leave the executor and are not
// cached; only the aggregates are returned, so sensitive values need no
// sealing here.
func (e *Executor) ReadStats(ctx context.Context, t domain.MetricType, start, end time.Time) (domain.Statistics, error) {
	ctx, span := tracer.StartSpan(ctx, "executor.stats")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("metric.type", string(t)))

	if t.IsComposite() {
		err := domain.NewDomainError("Executor.ReadStats", domain.ErrTypeUnsupported,
			"composite types have no scalar statistics")
		tracer.RecordError(span, err)
		return domain.Statistics{}, err
	}

	metrics, err := e.executeRead(ctx, t, start, end)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Statistics{}, err
	}
	metrics, err = e.validate(metrics)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Statistics{}, err
	}

	stats, err := domain.Summarize(t, start, end, metrics)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Statistics{}, err
	}
	span.SetAttributes(tracer.IntAttr("samples", stats.Count))
	tracer.SetOK(span)
	return stats, nil
}

// Observe fetches samples added since anchor and returns the advanced
// anchor. Anchored queries are never cached: each call moves state forward.
// The caller must not persist the returned anchor until the samples have
// been confirmed uploaded.
func (e *Executor) Observe(ctx context.Context, t domain.MetricType, anchor domain.QueryAnchor) ([]domain.HealthMetric, domain.QueryAnchor, error) {
	ctx, span := tracer.StartSpan(ctx, "executor.observe")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("metric.type", string(t)))

	var metrics []domain.HealthMetric
	next := anchor
	err := e.withRetry(ctx, "Executor.Observe", t, func(attemptCtx context.Context) error {
		var err error
		metrics, next, err = e.adapter.ObserveIncremental(attemptCtx, t, anchor)
		return err
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, anchor, err
	}

	metrics, err = e.validate(metrics)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, anchor, err
	}
	sealed, err := e.sealer.SealAll(metrics)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, anchor, err
	}

	span.SetAttributes(tracer.IntAttr("samples", len(sealed)))
	tracer.SetOK(span)
	return sealed, next, nil
}

// Write stores a metric back into the platform store with the same retry
// discipline as reads. Sealed metrics are rejected: the platform store only
// accepts plaintext values.
func (e *Executor) Write(ctx context.Context, m domain.HealthMetric) error {
	if m.Encrypted {
		return domain.NewDomainError("Executor.Write", domain.ErrInvalidMetric, "cannot write sealed metric to platform")
	}
	return e.withRetry(ctx, "Executor.Write", m.Type, func(attemptCtx context.Context) error {
		return e.adapter.Write(attemptCtx, m)
	})
}

func (e *Executor) executeRead(ctx context.Context, t domain.MetricType, start, end time.Time) ([]domain.HealthMetric, error) {
	var metrics []domain.HealthMetric
	err := e.withRetry(ctx, "Executor.Read", t, func(attemptCtx context.Context) error {
		var err error
		metrics, err = e.adapter.Read(attemptCtx, t, start, end)
		return err
	})
	return metrics, err
}

// withRetry runs fn against the rate budget, per-attempt timeout, and
// transient-failure retry policy. Timeouts are surfaced as ErrTimeout and
// never retried automatically; rate exhaustion is surfaced immediately.
func (e *Executor) withRetry(ctx context.Context, op string, t domain.MetricType, fn func(context.Context) error) error {
	if err := e.budget.Acquire(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The attempt hit its own deadline, not the caller's.
			return domain.NewDomainError(op, domain.ErrTimeout,
				fmt.Sprintf("%s query exceeded %s", t, e.opts.QueryTimeout))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			return err
		}
		if attempt == e.opts.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Warn("transient query failure, backing off",
			"op", op,
			"type", t,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		// Each retry consumes its own budget slot.
		if err := e.budget.Acquire(); err != nil {
			return err
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %d attempts exhausted: %w", op, e.opts.MaxAttempts, lastErr)
}

// validate applies plausibility validation before values are sealed.
// Structurally invalid samples are dropped with a warning; out-of-range
// values warn, or fail the whole query in strict mode.
func (e *Executor) validate(metrics []domain.HealthMetric) ([]domain.HealthMetric, error) {
	valid := metrics[:0]
	for _, m := range metrics {
		warnings, err := m.Validate(e.opts.StrictValidation)
		for _, w := range warnings {
			e.logger.Warn("metric validation warning", "metric_id", m.ID, "type", m.Type, "warning", w)
		}
		if err != nil {
			if e.opts.StrictValidation {
				return nil, err
			}
			e.logger.Warn("dropping invalid metric", "metric_id", m.ID, "type", m.Type, "error", err)
			continue
		}
		valid = append(valid, m)
	}
	return valid, nil
}

// backoff computes the delay before retry attempt+1:
// min(base * 2^(attempt-1) + jitter, cap).
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(time.Second)))
	if d > e.opts.BackoffCap {
		d = e.opts.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
