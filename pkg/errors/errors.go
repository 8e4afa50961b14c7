// Package errors provides structured error handling for poolkit.
//
// Every error produced by the pool layer carries an ErrorType so callers can
// tell "pool exhausted, retry later" apart from "pool unusable, do not retry"
// without string matching:
//
//	g, err := p.Acquire(ctx)
//	switch {
//	case errors.IsType(err, errors.ErrorTypeTimeout):
//	    // apply backpressure, answer 503
//	case errors.IsType(err, errors.ErrorTypeAdapter):
//	    // backend is degraded
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeCapability represents operations a backend does not support
	ErrorTypeCapability ErrorType = "capability"
	// ErrorTypeDuplicateName is returned when a pool name is registered twice
	ErrorTypeDuplicateName ErrorType = "duplicate_name"
	// ErrorTypeNotFound is returned for lookups of unregistered pools
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTimeout is returned when an acquire exceeded its bound
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeWouldBlock is returned by non-waiting acquires on an exhausted pool
	ErrorTypeWouldBlock ErrorType = "would_block"
	// ErrorTypeCanceled is returned when the caller cancelled a pending acquire
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeCapacity represents a backend refusing to grow
	ErrorTypeCapacity ErrorType = "capacity"
	// ErrorTypeAdapter represents a backend in an unusable state
	ErrorTypeAdapter ErrorType = "adapter"
	// ErrorTypeClosed is returned by pools and registries that are shut down
	ErrorTypeClosed ErrorType = "closed"
	// ErrorTypeDoubleRelease represents a release of a resource that is not checked out
	ErrorTypeDoubleRelease ErrorType = "double_release"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// NewStackless is New without a stack trace. It is meant for expected
// outcomes on hot paths, such as an exhausted pool, where capturing the stack
// would cost more than the acquire itself.
func NewStackless(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
	}
}

// WrapStackless is Wrap without capturing a stack trace. A stack already
// carried by err is kept.
func WrapStackless(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	e := &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
	}
	var existingErr *Error
	if errors.As(err, &existingErr) {
		e.Stack = existingErr.Stack
	}
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable.
// Exhaustion signals are retryable, an unusable backend is not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeWouldBlock, ErrorTypeCapacity:
		return true
	default:
		return false
	}
}

// IsType checks if the outermost structured error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the type of the outermost structured error, or
// ErrorTypeInternal for plain errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// Is is errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
