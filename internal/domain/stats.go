package domain

import "time"

// Statistics summarizes sample values of one metric type over a time range.
// Aggregates are derived data: they carry no individual readings and may
// leave the executor in plaintext even for sensitive types.
type Statistics struct {
	Type  MetricType `json:"type"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
	Count int        `json:"count"`
	Min   float64    `json:"min"`
	Max   float64    `json:"max"`
	Sum   float64    `json:"sum"`
	Avg   float64    `json:"avg"`
}

// Summarize computes statistics over the quantity values of metrics.
// Composite types have no single quantity and cannot be summarized.
func Summarize(t MetricType, start, end time.Time, metrics []HealthMetric) (Statistics, error) {
	if t.IsComposite() {
		return Statistics{}, NewDomainError("Summarize", ErrTypeUnsupported,
			"composite types have no scalar statistics")
	}

	s := Statistics{Type: t, Start: start, End: end}
	for _, m := range metrics {
		q := m.Value.Quantity
		if s.Count == 0 || q < s.Min {
			s.Min = q
		}
		if s.Count == 0 || q > s.Max {
			s.Max = q
		}
		s.Sum += q
		s.Count++
	}
	if s.Count > 0 {
		s.Avg = s.Sum / float64(s.Count)
	}
	return s, nil
}
