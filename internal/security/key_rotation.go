package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BlobSource enumerates sealed values that must be re-encrypted after a key
// rotation so the superseded key can be destroyed. A nil source means no
// sealed values persist outside flight and the old key retires immediately.
type BlobSource interface {
	BlobIDs() ([]string, error)
	LoadBlob(id string) ([]byte, error)
	StoreBlob(id string, blob []byte) error
}

// KeyRotator triggers gateway key rotation when the active key crosses its
// usage-count or age threshold, then re-encrypts persisted blobs and retires
// the superseded generation.
type KeyRotator struct {
	gateway        *Gateway
	blobs          BlobSource
	usageThreshold uint64
	maxAge         time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	onRotated []func()
}

// NewKeyRotator creates a rotator. blobs may be nil.
func NewKeyRotator(gateway *Gateway, blobs BlobSource, usageThreshold uint64, maxAge time.Duration, logger *slog.Logger) *KeyRotator {
	return &KeyRotator{
		gateway:        gateway,
		blobs:          blobs,
		usageThreshold: usageThreshold,
		maxAge:         maxAge,
		logger:         logger,
	}
}

// OnRotated registers a hook that runs after a rotation has re-encrypted all
// persisted blobs and before the superseded key is destroyed. Hooks drop any
// in-memory copies of values sealed under the old generation, such as cached
// query results. Register hooks at wiring time, before the rotator runs.
func (r *KeyRotator) OnRotated(fn func()) {
	r.onRotated = append(r.onRotated, fn)
}

// CheckAndRotate rotates the key if either threshold has been crossed.
// Safe to call from a scheduler; a no-op when rotation is not due.
func (r *KeyRotator) CheckAndRotate(ctx context.Context) error {
	if !r.gateway.NeedsRotation(r.usageThreshold, r.maxAge) {
		return nil
	}
	return r.RotateNow(ctx)
}

// RotateNow performs an immediate rotation. Persisted blobs are re-encrypted
// under the new key best-effort: entries that fail are reported in one
// aggregated error and the superseded key is retained so they stay readable.
// The old key is securely destroyed only after every blob has cut over.
func (r *KeyRotator) RotateNow(ctx context.Context) error {
	old, err := r.gateway.Rotate()
	if err != nil {
		return fmt.Errorf("key rotation: %w", err)
	}
	r.logger.Info("key rotated", "superseded_generation", old, "active_generation", r.gateway.ActiveVersion())

	failed, err := r.reencryptAll(ctx)
	if err != nil {
		// Old key stays loaded; blobs listed in err are still sealed
		// under it and remain decryptable.
		r.logger.Warn("re-encryption incomplete, retaining superseded key",
			"generation", old, "failed", failed, "error", err)
		return err
	}

	// Every persisted blob has cut over; give holders of in-memory sealed
	// copies (caches) a chance to drop them while the old generation can
	// still decrypt.
	for _, fn := range r.onRotated {
		fn()
	}

	if err := r.gateway.Retire(old); err != nil {
		return fmt.Errorf("retire key generation %d: %w", old, err)
	}
	r.logger.Info("superseded key destroyed", "generation", old)
	return nil
}

// reencryptAll re-seals every persisted blob under the active generation.
// Returns the number of entries that failed plus an aggregated error.
func (r *KeyRotator) reencryptAll(ctx context.Context) (int, error) {
	if r.blobs == nil {
		return 0, nil
	}
	ids, err := r.blobs.BlobIDs()
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.reencryptOne(id); err != nil {
			errs = append(errs, fmt.Errorf("blob %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return len(errs), errors.Join(errs...)
	}
	return 0, nil
}

func (r *KeyRotator) reencryptOne(id string) error {
	blob, err := r.blobs.LoadBlob(id)
	if err != nil {
		return err
	}
	if len(blob) > 0 && blob[0] == r.gateway.ActiveVersion() {
		return nil // already current
	}
	plaintext, err := r.gateway.Decrypt(blob)
	if err != nil {
		return err
	}
	sealed, err := r.gateway.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return r.blobs.StoreBlob(id, sealed)
}

// Start begins a periodic threshold check. Blocks until ctx is cancelled.
func (r *KeyRotator) Start(ctx context.Context, checkPeriod time.Duration) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.done = make(chan struct{})
	done := r.done
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(checkPeriod)
	defer ticker.Stop()

	r.logger.Info("key rotator started", "check_period", checkPeriod,
		"usage_threshold", r.usageThreshold, "max_age", r.maxAge)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("key rotator stopped")
			return
		case <-ticker.C:
			if err := r.CheckAndRotate(ctx); err != nil {
				r.logger.Error("scheduled key rotation failed", "error", err)
			}
		}
	}
}

// Stop stops the rotation loop and waits for it to exit. A no-op when the
// loop was never started.
func (r *KeyRotator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	done := r.done
	r.cancel()
	r.mu.Unlock()
	<-done
}
