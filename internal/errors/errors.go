package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Sentinel errors matched with errors.Is across the client, server and adapter.
var (
	ErrUnsupportedMetric     = stderrors.New("unsupported metric")
	ErrCollectionExists      = stderrors.New("collection already exists")
	ErrCollectionNotFound    = stderrors.New("collection not found")
	ErrImmutableConfig       = stderrors.New("immutable vector index setting")
	ErrInvalidObject         = stderrors.New("invalid object")
	ErrDimensionMismatch     = stderrors.New("vector dimension mismatch")
	ErrMalformedResponse     = stderrors.New("malformed response")
	ErrPreconditionViolation = stderrors.New("precondition violation")
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeSchema        ErrorType = "schema"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeQuery         ErrorType = "query"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeLifecycle     ErrorType = "lifecycle"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// Constructors for the failures the adapter surfaces. Each wraps a sentinel so callers
// can test with errors.Is without caring about the message.

// UnsupportedMetric reports a harness metric name with no database counterpart.
func UnsupportedMetric(metric string) *StructuredError {
	return Wrap(ErrUnsupportedMetric, ErrorTypeConfiguration, "resolve_metric",
		fmt.Sprintf("metric %q is not one of angular, euclidean", metric)).
		WithContext("metric", metric)
}

// CollectionNotFound reports a missing class.
func CollectionNotFound(operation, class string) *StructuredError {
	return Wrap(ErrCollectionNotFound, ErrorTypeSchema, operation, fmt.Sprintf("class %q", class)).
		WithContext("class", class)
}

// CollectionExists reports a duplicate class creation.
func CollectionExists(operation, class string) *StructuredError {
	return Wrap(ErrCollectionExists, ErrorTypeSchema, operation, fmt.Sprintf("class %q", class)).
		WithContext("class", class)
}

// ImmutableConfig reports an attempt to change a build-time index setting.
func ImmutableConfig(class, field string) *StructuredError {
	return Wrap(ErrImmutableConfig, ErrorTypeSchema, "update_config",
		fmt.Sprintf("class %q: %s cannot change after creation", class, field)).
		WithContext("field", field)
}

// InvalidObject reports an object rejected during insertion.
func InvalidObject(operation, message string) *StructuredError {
	return Wrap(ErrInvalidObject, ErrorTypeValidation, operation, message)
}

// DimensionMismatch reports a vector whose length differs from the collection's.
func DimensionMismatch(operation, class string, expected, actual int) *StructuredError {
	return Wrap(ErrDimensionMismatch, ErrorTypeValidation, operation,
		fmt.Sprintf("class %q: expected %d dimensions, got %d", class, expected, actual)).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// MalformedResponse reports a query response that does not have the expected shape.
func MalformedResponse(operation, message string) *StructuredError {
	return Wrap(ErrMalformedResponse, ErrorTypeQuery, operation, message)
}

// PreconditionViolation reports a lifecycle call made in the wrong state.
func PreconditionViolation(operation, message string) *StructuredError {
	return Wrap(ErrPreconditionViolation, ErrorTypeLifecycle, operation, message)
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewStorageError creates a storage error
func NewStorageError(operation, message string) *StructuredError {
	return New(ErrorTypeStorage, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapStorageError wraps an error as a storage error
func WrapStorageError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStorage, operation, message)
}

// WrapNetworkError wraps an error as a network error
func WrapNetworkError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeNetwork, operation, message)
}

// WrapQueryError wraps an error as a query error
func WrapQueryError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeQuery, operation, message)
}
