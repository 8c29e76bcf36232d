package devicelink

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/srishina/devicelink/transport"
)

// Classify names a raw failure. It is the only place transport errors are
// interpreted; every other layer works with the returned Class.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotOpen):
		return ClassFatal
	case errors.Is(err, transport.ErrUnauthorized):
		return ClassSecurity
	case errors.Is(err, transport.ErrUnsupported):
		return ClassFatal
	case errors.Is(err, transport.ErrSessionInvalid), errors.Is(err, ErrNotConnected):
		return ClassRetryable
	}

	var tooLarge *transport.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return ClassFatal
	}

	var status *transport.StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.Code)
	}

	var fault *transport.FaultError
	if errors.As(err, &fault) {
		if fault.Event.Cause == transport.CauseProtocolError && fault.Event.Err != nil {
			// a protocol error carrying a status keeps the status' class
			if errors.As(fault.Event.Err, &status) {
				return classifyStatus(status.Code)
			}
		}
		return ClassRetryable
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}

	return ClassFatal
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassSecurity
	case code == http.StatusNotFound:
		return ClassNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassRetryable
	case code >= 500:
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// classified wraps err in an *Error unless it already is one. An existing
// *Error is never modified.
func classified(op string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Attempts != 0 || attempts == 0 {
			return e
		}
		// the same *Error can reach many callers, fill in a copy
		cp := *e
		cp.Attempts = attempts
		return &cp
	}
	return &Error{Class: Classify(err), Op: op, Attempts: attempts, Err: err}
}
