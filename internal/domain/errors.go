package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync engine.
var (
	// Adapter-level errors.
	ErrUnauthorized        = fmt.Errorf("platform authorization denied")
	ErrTypeUnsupported     = fmt.Errorf("metric type not supported by platform")
	ErrPlatformUnavailable = fmt.Errorf("platform store unavailable")

	// Query / orchestration errors.
	ErrTimeout            = fmt.Errorf("operation timed out")
	ErrNetworkUnavailable = fmt.Errorf("network unavailable")
	ErrDeviceConditions   = fmt.Errorf("device conditions not met")
	ErrRateLimitExceeded  = fmt.Errorf("rate limit exceeded")
	ErrSyncInProgress     = fmt.Errorf("sync cycle already in progress")

	// Crypto errors.
	ErrDecryptionFailed      = fmt.Errorf("decryption failed")
	ErrEncryptionFailed      = fmt.Errorf("encryption failed")
	ErrKeyRotationInProgress = fmt.Errorf("key rotation in progress")
	ErrKeyGenerationFailed   = fmt.Errorf("key generation failed")

	// Upload errors.
	ErrPartialBatch = fmt.Errorf("partial batch failure")

	// Store errors.
	ErrAnchorNotFound = fmt.Errorf("query anchor not found")
	ErrKeyNotFound    = fmt.Errorf("key not found in secure store")

	// Validation errors.
	ErrInvalidMetric = fmt.Errorf("invalid metric")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Executor.Read")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is a transient error that may succeed on a
// retry of the same query. Authorization and unsupported-type failures are
// permanent; rate-limit exhaustion is permanent within the current window;
// crypto integrity failures are never retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPlatformUnavailable) || errors.Is(err, ErrNetworkUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeTypeUnsupported     ErrorCode = "TYPE_UNSUPPORTED"
	CodePlatformUnavailable ErrorCode = "PLATFORM_UNAVAILABLE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeNetworkUnavailable  ErrorCode = "NETWORK_UNAVAILABLE"
	CodeDeviceConditions    ErrorCode = "DEVICE_CONDITIONS_NOT_MET"
	CodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	CodeDecryption          ErrorCode = "DECRYPTION_FAILED"
	CodeEncryption          ErrorCode = "ENCRYPTION_FAILED"
	CodeKeyRotation         ErrorCode = "KEY_ROTATION_IN_PROGRESS"
	CodeKeyGeneration       ErrorCode = "KEY_GENERATION_FAILED"
	CodePartialBatch        ErrorCode = "PARTIAL_BATCH_FAILURE"
	CodeAnchorNotFound      ErrorCode = "ANCHOR_NOT_FOUND"
	CodeKeyNotFound         ErrorCode = "KEY_NOT_FOUND"
	CodeInvalidMetric       ErrorCode = "INVALID_METRIC"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
)

var errorCodeMap = map[error]ErrorCode{
	ErrUnauthorized:          CodeUnauthorized,
	ErrTypeUnsupported:       CodeTypeUnsupported,
	ErrPlatformUnavailable:   CodePlatformUnavailable,
	ErrTimeout:               CodeTimeout,
	ErrNetworkUnavailable:    CodeNetworkUnavailable,
	ErrDeviceConditions:      CodeDeviceConditions,
	ErrRateLimitExceeded:     CodeRateLimit,
	ErrSyncInProgress:        CodeSyncInProgress,
	ErrDecryptionFailed:      CodeDecryption,
	ErrEncryptionFailed:      CodeEncryption,
	ErrKeyRotationInProgress: CodeKeyRotation,
	ErrKeyGenerationFailed:   CodeKeyGeneration,
	ErrPartialBatch:          CodePartialBatch,
	ErrAnchorNotFound:        CodeAnchorNotFound,
	ErrKeyNotFound:           CodeKeyNotFound,
	ErrInvalidMetric:         CodeInvalidMetric,
	ErrConfigLoad:            CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
