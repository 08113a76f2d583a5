package types

import (
	"errors"
	"fmt"
)

// ErrorKind represents a unified error code across the engine.
type ErrorKind string

const (
	// ErrKindTransientCollaborator marks a model or repository call that failed
	// due to network trouble or a timeout. Retried up to the node retry budget.
	ErrKindTransientCollaborator ErrorKind = "TRANSIENT_COLLABORATOR"
	// ErrKindValidationFailure marks a confirmed or corrected field name
	// that does not exist in the target table. Not retryable.
	ErrKindValidationFailure ErrorKind = "VALIDATION_FAILURE"
	// ErrKindInvalidResume marks a resume without a pending interrupt.
	ErrKindInvalidResume ErrorKind = "INVALID_RESUME"
	// ErrKindStateCorruption marks a checkpoint that failed to deserialize.
	// Fatal for the session.
	ErrKindStateCorruption ErrorKind = "STATE_CORRUPTION"
	// ErrKindConfiguration marks invalid configuration bounds. Fatal at startup.
	ErrKindConfiguration ErrorKind = "CONFIGURATION"
	// ErrKindTimeout marks a session suspended past the configured timeout.
	ErrKindTimeout ErrorKind = "TIMEOUT"
	// ErrKindInternal marks everything the taxonomy does not name.
	ErrKindInternal ErrorKind = "INTERNAL"
)

// Error represents a structured error with kind, message, and retryability.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetKind extracts the error kind from an error.
func GetKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Transient builds a retryable collaborator error.
func Transient(message string, cause error) *Error {
	return NewError(ErrKindTransientCollaborator, message).WithCause(cause).WithRetryable(true)
}
