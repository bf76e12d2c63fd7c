// Package errors provides the structured error system for the coordination
// layer, with error codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for coordination-layer operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Remote store errors
	ErrCodeRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"

	// Circuit breaker errors
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// Payload errors
	ErrCodeCorruptPayload ErrorCode = "CORRUPT_PAYLOAD"

	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Caller errors
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryRemote   ErrorCategory = "remote"
	CategoryCircuit  ErrorCategory = "circuit"
	CategoryPayload  ErrorCategory = "payload"
	CategoryLookup   ErrorCategory = "lookup"
	CategoryArgument ErrorCategory = "argument"
	CategoryInternal ErrorCategory = "internal"
)

// CoordError represents a structured error with context and metadata.
type CoordError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`

	// Retryable hints that the caller may retry; the layer itself never
	// retries.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CoordError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CoordError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CoordError) Is(target error) bool {
	if coordErr, ok := target.(*CoordError); ok {
		return e.Code == coordErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CoordError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CoordError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new coordination-layer error with default values.
func NewError(code ErrorCode, message string) *CoordError {
	return &CoordError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeRemoteUnavailable, ErrCodeOperationTimeout:
		return CategoryRemote
	case ErrCodeCircuitOpen:
		return CategoryCircuit
	case ErrCodeCorruptPayload:
		return CategoryPayload
	case ErrCodeNotFound:
		return CategoryLookup
	case ErrCodeInvalidArgument:
		return CategoryArgument
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeRemoteUnavailable, ErrCodeOperationTimeout, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}

// WithComponent sets the component for an error.
func (e *CoordError) WithComponent(component string) *CoordError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *CoordError) WithOperation(operation string) *CoordError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *CoordError) WithCause(cause error) *CoordError {
	e.Cause = cause
	return e
}

// Convenience checks used by callers to branch on the taxonomy.

// IsCode reports whether err carries the given coordination-layer error code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if coordErr, ok := err.(*CoordError); ok {
			return coordErr.Code == code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsCircuitOpen reports whether err is a CIRCUIT_OPEN error.
func IsCircuitOpen(err error) bool {
	return IsCode(err, ErrCodeCircuitOpen)
}

// IsRemoteUnavailable reports whether err is a remote-store failure, timeout
// included.
func IsRemoteUnavailable(err error) bool {
	return IsCode(err, ErrCodeRemoteUnavailable) || IsCode(err, ErrCodeOperationTimeout)
}
