package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later run.
	// Examples: network timeouts, a remote host that is briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the backing store changed underneath the engine.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid field values, permission denied, missing bindings.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeTargetUnavailable = "TARGET_UNAVAILABLE"
	ErrCodeProviderOperation = "PROVIDER_OPERATION"
	ErrCodeFlush             = "FLUSH_FAILED"
	ErrCodeConfiguration     = "CONFIGURATION"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Target is the backing store instance involved, if applicable.
	Target string `json:"target,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)

	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	case e.Target != "":
		msg += fmt.Sprintf(" (target=%s)", e.Target)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewParseError reports a target whose content could not be parsed.
func NewParseError(target string, err error) *EngineError {
	return NewPermanentError("failed to parse target", err).
		WithTarget(target).
		WithCode(ErrCodeParse)
}

// NewTargetUnavailableError reports a target that could not be read at prefetch.
func NewTargetUnavailableError(target string, err error) *EngineError {
	return NewPermanentError("target unavailable", err).
		WithTarget(target).
		WithCode(ErrCodeTargetUnavailable)
}

// NewProviderOperationError reports a failed create, update or delete.
func NewProviderOperationError(resource, operation string, err error) *EngineError {
	return NewPermanentError("provider operation failed", err).
		WithResource(resource).
		WithOperation(operation).
		WithCode(ErrCodeProviderOperation)
}

// NewFlushError reports a target that could not be persisted.
func NewFlushError(target string, err error) *EngineError {
	return NewPermanentError("failed to flush target", err).
		WithTarget(target).
		WithOperation("flush").
		WithCode(ErrCodeFlush)
}

// NewConfigurationError reports a binding or resource declaration that
// prevents a run from starting.
func NewConfigurationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeConfiguration)
}

// NewPolicyViolationError reports a desired set rejected by admission.
func NewPolicyViolationError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodePolicyViolation)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithTarget adds target context to an error.
func (e *EngineError) WithTarget(target string) *EngineError {
	e.Target = target
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode returns true if any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ErrorCode returns the code of the outermost EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ClassOf returns the class of the outermost EngineError in the chain, or
// the empty class for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}
