package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Admission errors - surfaced to the HTTP client
	ErrBadRequest          = errors.New("bad request")
	ErrUnknownWorkflow     = errors.New("unknown workflow")
	ErrInvalidWorkflow     = errors.New("invalid workflow")
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
	ErrUnauthenticated     = errors.New("missing auth context")
	ErrSaturated           = errors.New("dispatch queue saturated")

	// Dispatch errors - retryable, the step stays READY
	ErrNoWorkerAvailable = errors.New("no worker available")
	ErrNotConnected      = errors.New("bus not connected")
	ErrPublishFailed     = errors.New("publish failed")

	// Bus subscription state errors
	ErrAlreadySubscribed = errors.New("topic already subscribed")
	ErrConsumerStarted   = errors.New("consumer already started")

	// Store errors
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// Configuration errors - fatal at startup
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "scheduler.Dispatch")
	Kind    string // Taxonomy tag (e.g., "admission", "dispatch", "conflict")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsAdmissionError checks if an error should be surfaced to the HTTP client
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrUnknownWorkflow) ||
		errors.Is(err, ErrInvalidWorkflow) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrSaturated)
}

// IsRetryableDispatch checks if a dispatch error leaves the step READY
// for the next scheduling tick
func IsRetryableDispatch(err error) bool {
	return errors.Is(err, ErrNoWorkerAvailable) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrPublishFailed) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsConflict checks if an error is a store version mismatch.
// Conflicts are always retried internally and never surfaced.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal checks if an error is a startup misconfiguration that should
// terminate the process with exit code 1
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
