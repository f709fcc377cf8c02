package smp

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured smp error with operation and processor context
type Error struct {
	Op    string    // Operation that failed (e.g., "New", "ClusterStart")
	CPU   int32     // Processor ID (-1 if not applicable)
	Lock  string    // Lock name (empty if not applicable)
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.CPU >= 0 {
		parts = append(parts, fmt.Sprintf("cpu=%d", e.CPU))
	}

	if e.Lock != "" {
		parts = append(parts, fmt.Sprintf("lock=%s", e.Lock))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("smp: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("smp: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against both CoordError sentinels and other
// structured errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ce, ok := target.(CoordError); ok {
		return e.Code == ErrorCode(ce)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeMessagingDisabled ErrorCode = "messaging not enabled"
	ErrCodeCPUOffline        ErrorCode = "processor offline"
	ErrCodeAlreadyStarted    ErrorCode = "already started"
	ErrCodeNotStarted        ErrorCode = "not started"
	ErrCodeStopTimeout       ErrorCode = "shutdown timed out"
	ErrCodeDeadlock          ErrorCode = "likely deadlock"
)

// CoordError is a plain string error for simple sentinel comparisons
type CoordError string

func (e CoordError) Error() string {
	return string(e)
}

// Sentinel error constants
const (
	ErrInvalidParameters CoordError = "invalid parameters"
	ErrMessagingDisabled CoordError = "messaging not enabled"
	ErrCPUOffline        CoordError = "processor offline"
	ErrAlreadyStarted    CoordError = "already started"
	ErrNotStarted        CoordError = "not started"
	ErrStopTimeout       CoordError = "shutdown timed out"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		CPU:  -1,
		Code: code,
		Msg:  msg,
	}
}

// NewCPUError creates a new processor-specific error
func NewCPUError(op string, cpu int32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		CPU:  cpu,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with smp context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			CPU:   se.CPU,
			Lock:  se.Lock,
			Code:  se.Code,
			Msg:   se.Msg,
			Inner: se.Inner,
		}
	}

	return &Error{
		Op:    op,
		CPU:   -1,
		Code:  ErrorCode(inner.Error()),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// NewDeadlockError builds the report handed to the fatal sink when a lock
// acquisition exceeds its spin threshold.
func NewDeadlockError(lock string, cpu int32, spins uint64) *Error {
	return &Error{
		Op:   "AcquireLock",
		CPU:  cpu,
		Lock: lock,
		Code: ErrCodeDeadlock,
		Msg:  fmt.Sprintf("lock not acquired after %d spins", spins),
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var smpErr *Error
	if errors.As(err, &smpErr) {
		return smpErr.Code == code
	}
	return false
}
