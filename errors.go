package devicelink

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned once the client has been closed, explicitly or
	// because the recovery time budget ran out.
	ErrClosed = errors.New("device client is closed")
	// ErrNotOpen is returned for operations issued before Open.
	ErrNotOpen = errors.New("device client is not open")
	// ErrNotConnected is returned when no session is usable right now.
	ErrNotConnected = errors.New("device client is not connected")
	// ErrTimeout marks operations that ran out of time: caller deadline,
	// operation timeout or recovery budget.
	ErrTimeout = errors.New("operation timed out")
	// ErrAlreadyOpen is returned by Open on an open client.
	ErrAlreadyOpen = errors.New("device client is already open")
)

// Class is the handling category of a failure.
type Class int

const (
	ClassRetryable Class = iota
	ClassSecurity
	ClassNotFound
	ClassFatal
	ClassTimeout
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassSecurity:
		return "security"
	case ClassNotFound:
		return "not-found"
	case ClassFatal:
		return "fatal"
	case ClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the only error type the client returns from its operations.
type Error struct {
	Class    Class
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed (%s, %d attempts): %v", e.Op, e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTimeout) match every timeout classified error.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Class == ClassTimeout
}

// ClassOf returns the class of a client error, or ClassFatal when err was
// not produced by the client.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassFatal
}
