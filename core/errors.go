package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Capability-related errors
	ErrCapabilityNotFound   = errors.New("capability not found")
	ErrDuplicateCapability  = errors.New("capability already registered")
	ErrCapabilityDeprecated = errors.New("capability deprecated")

	// Task-related errors
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCancellable = errors.New("task not cancellable")
	ErrTaskTerminal       = errors.New("task already in terminal state")
	ErrQueueClosed        = errors.New("task queue closed")
	ErrQueueFull          = errors.New("task queue full")

	// Execution errors
	ErrExecutionTimeout    = errors.New("execution timeout")
	ErrExecutionCancelled  = errors.New("execution cancelled")
	ErrMaxRetriesExceeded  = errors.New("maximum retries exceeded")
	ErrNotAsyncCapability  = errors.New("capability is not registered for async execution")
	ErrNotStreamCapability = errors.New("capability is not registered for streaming execution")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Error type names surfaced in ExecutionResult.ErrorType and audit events.
const (
	ErrorTypeValidation = "ValidationError"
	ErrorTypeTimeout    = "TimeoutError"
	ErrorTypeCancelled  = "CancellationError"
	ErrorTypeExecution  = "ExecutionError"
	ErrorTypePanic      = "PanicError"
)

// ValidationError reports input that does not satisfy a capability's schema.
// It is surfaced before any execution attempt; no task is ever created.
type ValidationError struct {
	CapabilityID string
	Missing      []string // required parameters absent from the input
	Causes       []string // validator messages for present-but-invalid values
}

// Error returns the string representation of the error
func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required parameters: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Causes) > 0 {
		parts = append(parts, strings.Join(e.Causes, "; "))
	}
	if len(parts) == 0 {
		parts = append(parts, "invalid input")
	}
	return fmt.Sprintf("validation failed for %s: %s", e.CapabilityID, strings.Join(parts, "; "))
}

// DuplicateError reports a second registration attempt for the same capability ID.
type DuplicateError struct {
	CapabilityID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("capability %q: %v", e.CapabilityID, ErrDuplicateCapability)
}

// Unwrap returns the underlying sentinel for use with errors.Is
func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateCapability
}

// NotFoundError reports a lookup for an unknown capability ID.
type NotFoundError struct {
	CapabilityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q: %v", e.CapabilityID, ErrCapabilityNotFound)
}

// Unwrap returns the underlying sentinel for use with errors.Is
func (e *NotFoundError) Unwrap() error {
	return ErrCapabilityNotFound
}

// ErrorType classifies an error into the taxonomy recorded on results and
// audit events. The zero value for a nil error is the empty string.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return ErrorTypeValidation
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrExecutionCancelled), errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	default:
		return ErrorTypeExecution
	}
}

// IsValidation checks if an error is a validation failure
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCapabilityNotFound) || errors.Is(err, ErrTaskNotFound)
}
