package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionInvalid is returned by Send on a session that faulted or was
	// closed.
	ErrSessionInvalid = errors.New("transport session is no longer valid")
	// ErrUnsupported is returned for operations a protocol cannot carry.
	ErrUnsupported = errors.New("operation not supported by transport")
	// ErrUnauthorized is returned when the hub rejects the credential.
	ErrUnauthorized = errors.New("credential rejected by hub")
)

// MaxMessageSize is the largest telemetry payload the hub accepts.
const MaxMessageSize = 256 * 1024

// StatusError carries a protocol status translated to an HTTP style code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub returned status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("hub returned status %d (%s)", e.Code, http.StatusText(e.Code))
}

// FaultError is returned by Send when the operation failed because part of
// the session went away.
type FaultError struct {
	Event FaultEvent
}

func (e *FaultError) Error() string {
	return "transport fault: " + e.Event.String()
}

func (e *FaultError) Unwrap() error {
	return e.Event.Err
}

// MessageTooLargeError is returned when a payload exceeds MaxSize bytes.
type MessageTooLargeError struct {
	MaxSize int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message size cannot exceed %d bytes", e.MaxSize)
}

// CheckSize fails with MessageTooLargeError when the payload is too big.
func CheckSize(op *Operation) error {
	if len(op.Payload) > MaxMessageSize {
		return &MessageTooLargeError{MaxSize: MaxMessageSize}
	}
	return nil
}
