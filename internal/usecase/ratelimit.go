package usecase

import (
	"sync"
	"time"

	"healthsync/internal/domain"
)

// RateBudget enforces a fixed-window request budget against the platform
// store. The budget refills in full at each window boundary; there is no
// gradual token drip. Safe for concurrent use.
type RateBudget struct {
	mu          sync.Mutex
	limit       int
	remaining   int
	window      time.Duration
	windowStart time.Time
	now         func() time.Time // injectable clock for tests
}

// NewRateBudget creates a budget of limit requests per window.
func NewRateBudget(limit int, window time.Duration) *RateBudget {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	now := time.Now
	return &RateBudget{
		limit:       limit,
		remaining:   limit,
		window:      window,
		windowStart: now(),
		now:         now,
	}
}

// Acquire consumes one request from the current window's budget.
// Returns ErrRateLimitExceeded when the window is exhausted; the caller
// must not retry until the window resets.
func (b *RateBudget) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNewWindow()
	if b.remaining <= 0 {
		return domain.NewDomainError("RateBudget.Acquire", domain.ErrRateLimitExceeded,
			"window exhausted, resets at "+b.windowStart.Add(b.window).Format(time.RFC3339))
	}
	b.remaining--
	return nil
}

// Remaining returns the number of requests left in the current window.
func (b *RateBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewWindow()
	return b.remaining
}

// ResetsAt returns when the current window's budget refills.
func (b *RateBudget) ResetsAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfNewWindow()
	return b.windowStart.Add(b.window)
}

// resetIfNewWindow refills the budget when the window has elapsed.
// Caller must hold mu.
func (b *RateBudget) resetIfNewWindow() {
	now := b.now()
	if now.Sub(b.windowStart) < b.window {
		return
	}
	// Align the new window to the boundary, not to the first request after
	// it, so long idle periods don't drift the reset time.
	elapsed := now.Sub(b.windowStart)
	b.windowStart = b.windowStart.Add(elapsed - elapsed%b.window)
	b.remaining = b.limit
}
