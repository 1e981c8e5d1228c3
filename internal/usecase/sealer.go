package usecase

import (
	"encoding/json"
	"fmt"

	"healthsync/internal/domain"
	"healthsync/internal/security"
)

// MetricSealer encrypts metric values through the encryption gateway.
// Sensitive metric values are sealed before they touch the cache, the state
// store, or the network; non-sensitive metrics pass through untouched.
type MetricSealer struct {
	gateway *security.Gateway
}

// NewMetricSealer creates a sealer backed by the given gateway.
func NewMetricSealer(gateway *security.Gateway) *MetricSealer {
	return &MetricSealer{gateway: gateway}
}

// Seal encrypts the value of a sensitive metric, zeroing the plaintext
// value. Non-sensitive and already-sealed metrics are returned unchanged.
func (s *MetricSealer) Seal(m domain.HealthMetric) (domain.HealthMetric, error) {
	if !m.Type.IsSensitive() || m.Encrypted {
		return m, nil
	}

	plaintext, err := json.Marshal(m.Value)
	if err != nil {
		return m, fmt.Errorf("marshal value: %w", err)
	}

	sealed, err := s.gateway.Encrypt(plaintext)
	if err != nil {
		return m, err
	}

	m.Sealed = sealed
	m.Value = domain.Value{}
	m.Encrypted = true
	return m, nil
}

// SealAll seals every sensitive metric in the slice. The input is not
// modified; a new slice is returned.
func (s *MetricSealer) SealAll(metrics []domain.HealthMetric) ([]domain.HealthMetric, error) {
	out := make([]domain.HealthMetric, len(metrics))
	for i, m := range metrics {
		sealed, err := s.Seal(m)
		if err != nil {
			return nil, fmt.Errorf("seal metric %s: %w", m.ID, err)
		}
		out[i] = sealed
	}
	return out, nil
}

// Open decrypts a sealed metric back to its plaintext value.
// Non-encrypted metrics are returned unchanged.
func (s *MetricSealer) Open(m domain.HealthMetric) (domain.HealthMetric, error) {
	if !m.Encrypted {
		return m, nil
	}

	plaintext, err := s.gateway.Decrypt(m.Sealed)
	if err != nil {
		return m, err
	}

	var v domain.Value
	if err := json.Unmarshal(plaintext, &v); err != nil {
		return m, fmt.Errorf("unmarshal value: %w", err)
	}

	m.Value = v
	m.Sealed = nil
	m.Encrypted = false
	return m, nil
}
