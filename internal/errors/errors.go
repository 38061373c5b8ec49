package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeCapacity      ErrorType = "capacity"
	ErrorTypeCallback      ErrorType = "callback"
	ErrorTypePartition     ErrorType = "partition"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeComputation   ErrorType = "computation"
	ErrorTypeConfiguration ErrorType = "configuration"
)

// Sentinels matched with errors.Is by callers. The constructors below wrap
// them so the structured context travels with the error.
var (
	// ErrCapacityExceeded: an optimistic result buffer was too small and the
	// traversal policy forbids falling back to a second pass.
	ErrCapacityExceeded = errors.New("result buffer capacity exceeded")
	// ErrInvalidCallback: the callback tag does not match its function.
	ErrInvalidCallback = errors.New("invalid callback")
	// ErrPartitionImbalance is advisory; the primitives could not be split
	// evenly across hosts.
	ErrPartitionImbalance = errors.New("partition imbalance")
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
	n := runtime.Callers(3, pcs[:]) // skip runtime.Callers, captureStack and the constructor
	return pcs[:n]
}

// TypeOf returns the type of the outermost StructuredError in err's chain,
// or the empty string.
func TypeOf(err error) ErrorType {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Type
	}
	return ""
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewCapacityExceeded reports a query whose results did not fit the buffer.
func NewCapacityExceeded(operation string, capacity, needed int) *StructuredError {
	return Wrap(ErrCapacityExceeded, ErrorTypeCapacity, operation,
		fmt.Sprintf("a query produced %d results for a capacity of %d", needed, capacity)).
		WithContext("capacity", capacity).
		WithContext("needed", needed)
}

// NewInvalidCallback reports a callback that cannot be dispatched.
func NewInvalidCallback(operation, message string) *StructuredError {
	return Wrap(ErrInvalidCallback, ErrorTypeCallback, operation, message)
}

// NewPartitionImbalance reports an uneven split of total items across hosts.
func NewPartitionImbalance(operation string, total, hosts int) *StructuredError {
	return Wrap(ErrPartitionImbalance, ErrorTypePartition, operation,
		fmt.Sprintf("%d items indivisible by %d hosts", total, hosts)).
		WithContext("total", total).
		WithContext("hosts", hosts)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapNetworkError wraps an error as a network error
func WrapNetworkError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeNetwork, operation, message)
}

// WrapComputationError wraps an error as a computation error
func WrapComputationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeComputation, operation, message)
}

// WrapValidationError wraps an error as a validation error
func WrapValidationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeValidation, operation, message)
}
