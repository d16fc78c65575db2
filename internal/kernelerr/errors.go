// Package kernelerr provides the kernel's standardized error type and the
// error codes named across spec.md §7. Every error surfaced across a
// component boundary is a *KernelError carrying enough structure for the
// MAPE-K loop to learn from it; routine failures never panic.
package kernelerr

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Severity classifies how urgently an error should be treated.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error codes, grouped by the component that raises them (spec.md §7).
const (
	// Ingress
	CodeRingBufferFull = "RING_BUFFER_FULL"
	CodeInvalidDomain  = "INVALID_DOMAIN"

	// Hooks
	CodeDuplicatePredicate = "DUPLICATE_PREDICATE"
	CodeNoHookFound        = "NO_HOOK_FOUND"

	// Overlay
	CodeIncompatibleBase        = "INCOMPATIBLE_BASE"
	CodeConflictingChanges      = "CONFLICTING_CHANGES"
	CodeProofDoesNotCoverChanges = "PROOF_DOES_NOT_COVER_CHANGES"
	CodeInvariantViolation      = "INVARIANT_VIOLATION"
	CodeTimingBoundExceeded     = "TIMING_BOUND_EXCEEDED"

	// Promotion
	CodeValidationFailed         = "VALIDATION_FAILED"
	CodeApplicationFailed        = "APPLICATION_FAILED"
	CodeColdNotAllowedInProd     = "COLD_NOT_ALLOWED_IN_PRODUCTION"
	CodeRolloutFailed            = "ROLLOUT_FAILED"

	// Executor
	CodeCaseNotFound          = "CASE_NOT_FOUND"
	CodeWorkflowNotRegistered = "WORKFLOW_NOT_REGISTERED"
	CodeInvalidSpecification  = "INVALID_SPECIFICATION"
	CodeResourceUnavailable   = "RESOURCE_UNAVAILABLE"

	// Gamma (receipt log)
	CodeCorruptRecord = "CORRUPT_RECORD"
	CodeUnexpectedEOF = "UNEXPECTED_EOF"

	// Concurrency
	CodeMutexPoisoned = "MUTEX_POISONED"

	// Timeout
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
)

// KernelError is the kernel's standardized error shape.
type KernelError struct {
	Code       string
	Message    string
	Component  string
	Operation  string
	Cause      error
	StackTrace string
	Metadata   map[string]any
	Timestamp  time.Time
	Severity   Severity
}

// New creates a KernelError with medium severity.
func New(code, component, operation, message string) *KernelError {
	_, file, line, _ := runtime.Caller(1)
	return &KernelError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]any),
		Timestamp:  time.Now(),
		Severity:   SeverityMedium,
	}
}

// NewCritical creates a critical-severity KernelError.
func NewCritical(code, component, operation, message string) *KernelError {
	e := New(code, component, operation, message)
	e.Severity = SeverityCritical
	return e
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *KernelError) Unwrap() error { return e.Cause }

// Wrap attaches cause as the error's root cause.
func (e *KernelError) Wrap(cause error) *KernelError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a key/value pair useful for MAPE-K learning.
func (e *KernelError) WithMetadata(key string, value any) *KernelError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithSeverity overrides the default severity.
func (e *KernelError) WithSeverity(s Severity) *KernelError {
	e.Severity = s
	return e
}

// IsRecoverable reports whether the error's severity permits automatic
// retry/continuation rather than surfacing to an operator.
func (e *KernelError) IsRecoverable() bool {
	switch e.Severity {
	case SeverityCritical, SeverityHigh:
		return false
	default:
		return true
	}
}

// ToFields converts the error into a flat map suitable for structured
// logging (logrus.Fields).
func (e *KernelError) ToFields() map[string]any {
	f := map[string]any{
		"error_code":      e.Code,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
	}
	if e.Cause != nil {
		f["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		f["error_meta_"+k] = v
	}
	return f
}

// As reports whether err is (or wraps) a *KernelError, returning it.
func As(err error) (*KernelError, bool) {
	var ke *KernelError
	ok := errors.As(err, &ke)
	return ke, ok
}
