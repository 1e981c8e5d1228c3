package domain

import "time"

// Priority distinguishes user-triggered syncs from scheduled background ones.
// High-priority cycles run immediately and bypass device-condition gating of
// the schedule (they still honor rate limits and query timeouts).
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CyclePhase is the internal state of a running sync cycle.
type CyclePhase string

const (
	PhaseIdle       CyclePhase = "idle"
	PhaseValidating CyclePhase = "validating"
	PhaseSyncing    CyclePhase = "syncing"
	PhaseDone       CyclePhase = "done"
)

// CycleStatus is the terminal outcome of a sync cycle.
type CycleStatus string

const (
	StatusCompleted      CycleStatus = "completed"
	StatusPartialFailure CycleStatus = "partial_failure"
	StatusFailed         CycleStatus = "failed"
)

// TypeOutcome records the result of syncing one metric type within a cycle.
type TypeOutcome struct {
	Type     MetricType
	Uploaded int
	Err      error
	Duration time.Duration
}

// CycleResult is the structured outcome of one sync cycle, sufficient for a
// caller to distinguish "nothing synced", "some types failed", and
// "all failed".
type CycleResult struct {
	ID         string
	Priority   Priority
	Status     CycleStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Types      []TypeOutcome
}

// Failed returns the outcomes of types that did not complete.
func (r CycleResult) Failed() []TypeOutcome {
	var out []TypeOutcome
	for _, t := range r.Types {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Uploaded returns the total number of metrics delivered across all types.
func (r CycleResult) Uploaded() int {
	n := 0
	for _, t := range r.Types {
		n += t.Uploaded
	}
	return n
}
