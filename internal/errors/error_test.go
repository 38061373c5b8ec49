package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "test_op", "test message")
	expected := "[validation] test_op: test message"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypeNetwork, "send", "failed to send")
	assert.Contains(t, err.Error(), "[network] send: failed to send")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeValidation, "test_op", "test message")
	err = err.WithContext("rank", 3).WithContext("stage", "exchange")

	assert.Equal(t, 3, err.Context["rank"])
	assert.Equal(t, "exchange", err.Context["stage"])
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	capErr := NewCapacityExceeded("query.spatial", 2, 5)
	assert.True(t, errors.Is(capErr, ErrCapacityExceeded))
	assert.Equal(t, ErrorTypeCapacity, capErr.Type)
	assert.Equal(t, 5, capErr.Context["needed"])

	// still matches after another layer of fmt wrapping
	outer := fmt.Errorf("rank 1: %w", capErr)
	assert.True(t, errors.Is(outer, ErrCapacityExceeded))
	assert.Equal(t, ErrorTypeCapacity, TypeOf(outer))

	cbErr := NewInvalidCallback("query", "inline callback is nil")
	assert.True(t, errors.Is(cbErr, ErrInvalidCallback))
	assert.False(t, errors.Is(cbErr, ErrCapacityExceeded))

	imb := NewPartitionImbalance("partition", 10, 3)
	assert.True(t, errors.Is(imb, ErrPartitionImbalance))
	assert.Contains(t, imb.Error(), "10 items indivisible by 3 hosts")
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeValidation, NewValidationError("op", "msg").Type)
	assert.Equal(t, ErrorTypeConfiguration, NewConfigurationError("op", "msg").Type)

	originalErr := errors.New("original error")
	wrapped := WrapNetworkError(originalErr, "recv", "receive failed")
	assert.Equal(t, ErrorTypeNetwork, wrapped.Type)
	assert.Equal(t, "recv", wrapped.Operation)
	assert.Equal(t, originalErr, wrapped.Unwrap())
	assert.Equal(t, ErrorTypeComputation, WrapComputationError(originalErr, "op", "msg").Type)
	assert.Equal(t, ErrorTypeValidation, WrapValidationError(originalErr, "op", "msg").Type)

	// Wrap returns nil for nil error
	assert.Nil(t, Wrap(nil, ErrorTypeNetwork, "op", "msg"))
	assert.Equal(t, ErrorType(""), TypeOf(originalErr))
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	assert.Greater(t, len(err.Stack), 0)
}
