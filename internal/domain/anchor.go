package domain

import "time"

// QueryAnchor marks the last successfully processed position in a metric
// type's incremental stream. The cursor is opaque to the engine; only the
// platform adapter that issued it can interpret it. Anchors advance
// monotonically and are committed only after confirmed upload.
type QueryAnchor struct {
	Type      MetricType `json:"type"`
	Cursor    string     `json:"cursor"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsZero reports whether the anchor has never been set for its type.
func (a QueryAnchor) IsZero() bool {
	return a.Cursor == "" && a.UpdatedAt.IsZero()
}

// SyncState tracks per-type sync health. ConsecutiveFailures resets to zero
// on any successful cycle for the type.
type SyncState struct {
	Type                MetricType `json:"type"`
	LastSyncAt          time.Time  `json:"last_sync_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}
