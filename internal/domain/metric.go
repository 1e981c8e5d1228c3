package domain

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// MetricType identifies a category of health sample.
type MetricType string

const (
	MetricHeartRate        MetricType = "heart_rate"
	MetricSteps            MetricType = "steps"
	MetricBloodPressure    MetricType = "blood_pressure"
	MetricWeight           MetricType = "weight"
	MetricSleepDuration    MetricType = "sleep_duration"
	MetricBloodGlucose     MetricType = "blood_glucose"
	MetricOxygenSaturation MetricType = "oxygen_saturation"
	MetricBodyTemperature  MetricType = "body_temperature"
)

// Platform identifies the source health store a metric was read from.
type Platform string

const (
	PlatformApple  Platform = "apple_health"
	PlatformGoogle Platform = "google_fit"
)

// Value holds a metric reading. Most types carry a single quantity; blood
// pressure carries a systolic/diastolic pair and leaves Quantity zero.
type Value struct {
	Quantity  float64 `json:"quantity,omitempty"`
	Systolic  float64 `json:"systolic,omitempty"`
	Diastolic float64 `json:"diastolic,omitempty"`
}

// IsComposite reports whether t uses the systolic/diastolic pair.
func (t MetricType) IsComposite() bool {
	return t == MetricBloodPressure
}

// HealthMetric is a single time-stamped health sample. Immutable once created.
type HealthMetric struct {
	ID        string     `json:"id"`
	Type      MetricType `json:"type"`
	Value     Value      `json:"value"`
	Unit      string     `json:"unit"`
	Timestamp time.Time  `json:"timestamp"`
	Source    Platform   `json:"source"`
	Encrypted bool       `json:"encrypted"`

	// Sealed holds the encrypted value blob once the metric has passed
	// through the encryption gateway. Value is zeroed at that point.
	Sealed []byte `json:"sealed,omitempty"`
}

// NewMetricID generates a ULID suitable for a metric or cycle identifier.
func NewMetricID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// sensitiveTypes are metric types whose values must be encrypted before
// leaving device memory for cache, disk, or network.
var sensitiveTypes = map[MetricType]bool{
	MetricHeartRate:        true,
	MetricBloodPressure:    true,
	MetricBloodGlucose:     true,
	MetricOxygenSaturation: true,
	MetricBodyTemperature:  true,
}

// IsSensitive reports whether values of type t are PHI requiring encryption.
func (t MetricType) IsSensitive() bool {
	return sensitiveTypes[t]
}

// valueRange is the plausible numeric range for a metric type.
type valueRange struct {
	min, max float64
}

var plausibleRanges = map[MetricType]valueRange{
	MetricHeartRate:        {20, 250},
	MetricSteps:            {0, 200000},
	MetricWeight:           {1, 650},    // kg
	MetricSleepDuration:    {0, 86400},  // seconds
	MetricBloodGlucose:     {10, 1000},  // mg/dL
	MetricOxygenSaturation: {50, 100},   // percent
	MetricBodyTemperature:  {25, 45},    // celsius
}

// Composite ranges for blood pressure, mmHg.
var (
	systolicRange  = valueRange{50, 300}
	diastolicRange = valueRange{30, 200}
)

// Validate checks structural and plausibility constraints on m.
// Out-of-range values produce warnings rather than errors unless strict is
// set, in which case they are rejected with ErrInvalidMetric. Structural
// problems (missing type, zero timestamp) are always errors.
func (m *HealthMetric) Validate(strict bool) ([]string, error) {
	if m.Type == "" {
		return nil, NewDomainError("Metric.Validate", ErrInvalidMetric, "missing metric type")
	}
	if m.Timestamp.IsZero() {
		return nil, NewDomainError("Metric.Validate", ErrInvalidMetric, "zero timestamp")
	}

	var warnings []string
	if m.Type.IsComposite() {
		if !systolicRange.contains(m.Value.Systolic) {
			warnings = append(warnings, fmt.Sprintf("systolic %.1f outside plausible range [%.0f, %.0f]",
				m.Value.Systolic, systolicRange.min, systolicRange.max))
		}
		if !diastolicRange.contains(m.Value.Diastolic) {
			warnings = append(warnings, fmt.Sprintf("diastolic %.1f outside plausible range [%.0f, %.0f]",
				m.Value.Diastolic, diastolicRange.min, diastolicRange.max))
		}
	} else if r, ok := plausibleRanges[m.Type]; ok && !r.contains(m.Value.Quantity) {
		warnings = append(warnings, fmt.Sprintf("%s value %.1f outside plausible range [%.0f, %.0f]",
			m.Type, m.Value.Quantity, r.min, r.max))
	}

	if strict && len(warnings) > 0 {
		return warnings, NewDomainError("Metric.Validate", ErrInvalidMetric, warnings[0])
	}
	return warnings, nil
}

func (r valueRange) contains(v float64) bool {
	return v >= r.min && v <= r.max
}
