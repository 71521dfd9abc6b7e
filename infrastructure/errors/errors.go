// Package errors provides unified error handling for the coordinator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code for a CoordinatorError.
type ErrorCode string

const (
	// ErrCodeGovernanceViolation indicates a policy check rejected an operation
	// or payload before any backend was touched.
	ErrCodeGovernanceViolation ErrorCode = "GOV_1001"

	// ErrCodeBackendUnavailable indicates the targeted backend has no healthy
	// adapter (status error/stopped, or missing from the registry).
	ErrCodeBackendUnavailable ErrorCode = "BACK_2001"

	// ErrCodeTransientConnection indicates a retryable connection-level failure
	// (dial refused, connection reset, pool exhausted).
	ErrCodeTransientConnection ErrorCode = "BACK_2002"

	// ErrCodeDeadlock indicates the backend reported a transaction deadlock.
	ErrCodeDeadlock ErrorCode = "BACK_2003"

	// ErrCodeConstraintViolation indicates a backend-level data integrity
	// rejection (unique constraint, foreign key, schema mismatch).
	ErrCodeConstraintViolation ErrorCode = "BACK_2004"

	// ErrCodeSyntaxOrUsage indicates a malformed operation request (bad query
	// shape, unsupported operation for the adapter).
	ErrCodeSyntaxOrUsage ErrorCode = "BACK_2005"

	// ErrCodeSagaStepFatal indicates a SAGA step failed in a way that is not
	// retryable and must trigger compensation.
	ErrCodeSagaStepFatal ErrorCode = "SAGA_3001"

	// ErrCodeCompensationPartialFailure indicates one or more compensations
	// failed during rollback, leaving the saga in a state requiring operator
	// attention.
	ErrCodeCompensationPartialFailure ErrorCode = "SAGA_3002"

	// ErrCodeLockContention indicates the advisory lock for a saga could not
	// be acquired within the configured attempts/backoff.
	ErrCodeLockContention ErrorCode = "SAGA_3003"

	// ErrCodeSagaTimeout indicates a saga or saga step exceeded its configured
	// deadline.
	ErrCodeSagaTimeout ErrorCode = "SAGA_3004"

	// ErrCodeNotFound indicates a requested saga, record, or backend kind does
	// not exist.
	ErrCodeNotFound ErrorCode = "RES_4001"

	// ErrCodeInternal indicates an unexpected internal failure.
	ErrCodeInternal ErrorCode = "SVC_5001"
)

// CoordinatorError represents a structured error with code, message, and
// HTTP status, carrying the coordinator's error taxonomy through the call
// stack so callers can branch on Code without string matching.
type CoordinatorError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Retryable  bool                   `json:"retryable"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *CoordinatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoordinatorError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *CoordinatorError) WithDetails(key string, value interface{}) *CoordinatorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new CoordinatorError.
func New(code ErrorCode, message string, httpStatus int, retryable bool) *CoordinatorError {
	return &CoordinatorError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  retryable,
	}
}

// Wrap wraps an existing error with a CoordinatorError.
func Wrap(code ErrorCode, message string, httpStatus int, retryable bool, err error) *CoordinatorError {
	return &CoordinatorError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  retryable,
		Err:        err,
	}
}

// GovernanceViolation wraps a policy rejection. Never retryable: the request
// itself must change.
func GovernanceViolation(message string) *CoordinatorError {
	return New(ErrCodeGovernanceViolation, message, http.StatusForbidden, false)
}

// BackendUnavailable indicates the target backend has no healthy adapter.
func BackendUnavailable(kind string, err error) *CoordinatorError {
	e := Wrap(ErrCodeBackendUnavailable, "backend unavailable", http.StatusServiceUnavailable, true, err)
	return e.WithDetails("kind", kind)
}

// TransientConnection wraps a retryable connection-level failure.
func TransientConnection(kind string, err error) *CoordinatorError {
	e := Wrap(ErrCodeTransientConnection, "transient connection error", http.StatusServiceUnavailable, true, err)
	return e.WithDetails("kind", kind)
}

// Deadlock wraps a backend-reported transaction deadlock. Retryable.
func Deadlock(operation string, err error) *CoordinatorError {
	e := Wrap(ErrCodeDeadlock, "deadlock detected", http.StatusConflict, true, err)
	return e.WithDetails("operation", operation)
}

// ConstraintViolation wraps a data integrity rejection. Not retryable as-is.
func ConstraintViolation(operation string, err error) *CoordinatorError {
	e := Wrap(ErrCodeConstraintViolation, "constraint violation", http.StatusConflict, false, err)
	return e.WithDetails("operation", operation)
}

// SyntaxOrUsage wraps a malformed operation request. Not retryable.
func SyntaxOrUsage(operation string, err error) *CoordinatorError {
	e := Wrap(ErrCodeSyntaxOrUsage, "invalid operation usage", http.StatusBadRequest, false, err)
	return e.WithDetails("operation", operation)
}

// SagaStepFatal wraps a non-retryable step failure that must trigger
// compensation.
func SagaStepFatal(step string, err error) *CoordinatorError {
	e := Wrap(ErrCodeSagaStepFatal, "saga step failed", http.StatusUnprocessableEntity, false, err)
	return e.WithDetails("step", step)
}

// CompensationPartialFailure wraps a rollback that did not fully succeed.
func CompensationPartialFailure(sagaID string, failedSteps []string, err error) *CoordinatorError {
	e := Wrap(ErrCodeCompensationPartialFailure, "compensation partially failed", http.StatusInternalServerError, false, err)
	return e.WithDetails("saga_id", sagaID).WithDetails("failed_steps", failedSteps)
}

// LockContention wraps an advisory lock acquisition failure. Retryable.
func LockContention(sagaID string) *CoordinatorError {
	return New(ErrCodeLockContention, "advisory lock contention", http.StatusConflict, true).
		WithDetails("saga_id", sagaID)
}

// SagaTimeout wraps a saga or step deadline overrun.
func SagaTimeout(sagaID string) *CoordinatorError {
	return New(ErrCodeSagaTimeout, "saga timed out", http.StatusGatewayTimeout, true).
		WithDetails("saga_id", sagaID)
}

// NotFound wraps a missing resource lookup.
func NotFound(resource, id string) *CoordinatorError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound, false).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Internal wraps an unexpected internal failure.
func Internal(message string, err error) *CoordinatorError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, false, err)
}

// IsCoordinatorError reports whether err is (or wraps) a CoordinatorError.
func IsCoordinatorError(err error) bool {
	var ce *CoordinatorError
	return errors.As(err, &ce)
}

// GetCoordinatorError extracts a CoordinatorError from an error chain.
func GetCoordinatorError(err error) *CoordinatorError {
	var ce *CoordinatorError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsRetryable reports whether err carries a CoordinatorError marked
// retryable. Unknown errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if ce := GetCoordinatorError(err); ce != nil {
		return ce.Retryable
	}
	return false
}

// Code extracts the ErrorCode carried by err, or "" if err is not a
// CoordinatorError.
func Code(err error) ErrorCode {
	if ce := GetCoordinatorError(err); ce != nil {
		return ce.Code
	}
	return ""
}
