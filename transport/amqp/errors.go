package amqp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	amqp "github.com/Azure/go-amqp"
	"github.com/srishina/devicelink/transport"
)

// statusFor maps the error conditions the hub uses to HTTP style codes
func statusFor(cond amqp.ErrCond) (int, bool) {
	switch cond {
	case amqp.ErrCondUnauthorizedAccess:
		return http.StatusUnauthorized, true
	case amqp.ErrCondNotFound:
		return http.StatusNotFound, true
	case amqp.ErrCondResourceLimitExceeded:
		return http.StatusTooManyRequests, true
	case amqp.ErrCondInternalError:
		return http.StatusInternalServerError, true
	case "com.microsoft:timeout":
		return http.StatusRequestTimeout, true
	case "com.microsoft:server-busy":
		return http.StatusServiceUnavailable, true
	case amqp.ErrCondNotAllowed, amqp.ErrCondInvalidField, amqp.ErrCondDecodeError:
		return http.StatusBadRequest, true
	}
	return 0, false
}

// linkFailure reports whether err means (part of) the AMQP stack is gone
func linkFailure(err error) bool {
	var connErr *amqp.ConnError
	var sessErr *amqp.SessionError
	var linkErr *amqp.LinkError
	return errors.As(err, &connErr) || errors.As(err, &sessErr) || errors.As(err, &linkErr)
}

// faultFor translates a connection, session or link error. A remote error
// means the hub closed the resource; a status bearing condition is kept as
// a protocol error.
func faultFor(err error, dir transport.LinkDirection) transport.FaultEvent {
	ev := transport.FaultEvent{Scope: transport.ScopeConnection, Cause: transport.CauseAbruptClose, Err: err}

	var remote *amqp.Error
	var connErr *amqp.ConnError
	var sessErr *amqp.SessionError
	var linkErr *amqp.LinkError
	switch {
	case errors.As(err, &connErr):
		remote = connErr.RemoteErr
	case errors.As(err, &sessErr):
		ev.Scope = transport.ScopeSession
		remote = sessErr.RemoteErr
	case errors.As(err, &linkErr):
		ev.Scope = transport.ScopeLink
		ev.Link = dir
		remote = linkErr.RemoteErr
	}

	if remote != nil {
		ev.Cause = transport.CauseGracefulClose
		if code, ok := statusFor(remote.Condition); ok && code < http.StatusInternalServerError {
			ev.Cause = transport.CauseProtocolError
			ev.Err = &transport.StatusError{Code: code, Message: remote.Description}
		}
	}
	return ev
}

// sendError translates the error of a Send on a link
func sendError(err error) error {
	var remote *amqp.Error
	if !linkFailure(err) && errors.As(err, &remote) {
		// the hub rejected the message
		if remote.Condition == amqp.ErrCondMessageSizeExceeded {
			return &transport.MessageTooLargeError{MaxSize: transport.MaxMessageSize}
		}
		if code, ok := statusFor(remote.Condition); ok {
			return &transport.StatusError{Code: code, Message: remote.Description}
		}
		return &transport.StatusError{Code: http.StatusBadRequest, Message: remote.Error()}
	}
	return err
}

// openError translates failures while establishing the connection, session
// or links.
func openError(err error) error {
	if linkFailure(err) {
		ev := faultFor(err, transport.LinkNone)
		var status *transport.StatusError
		if errors.As(ev.Err, &status) && status.Code == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", transport.ErrUnauthorized, status.Message)
		}
		return &transport.FaultError{Event: ev}
	}
	// go-amqp reports a failed SASL outcome as a plain error
	if strings.Contains(err.Error(), "auth failed") {
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	}
	return err
}
