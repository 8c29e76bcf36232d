package transport

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scope is how much of the protocol stack a fault took down.
type Scope int

const (
	ScopeLink Scope = iota
	ScopeSession
	ScopeConnection
)

func (s Scope) String() string {
	switch s {
	case ScopeLink:
		return "link"
	case ScopeSession:
		return "session"
	case ScopeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// LinkDirection names the sub-link of a link scoped fault.
type LinkDirection int

const (
	LinkNone LinkDirection = iota
	LinkRequest
	LinkResponse
)

func (d LinkDirection) String() string {
	switch d {
	case LinkRequest:
		return "request"
	case LinkResponse:
		return "response"
	default:
		return "none"
	}
}

// Cause is why the faulted resource went away.
type Cause int

const (
	CauseAbruptClose Cause = iota
	CauseGracefulClose
	CauseProtocolError
)

func (c Cause) String() string {
	switch c {
	case CauseAbruptClose:
		return "abrupt-close"
	case CauseGracefulClose:
		return "graceful-close"
	case CauseProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// FaultEvent is reported by a Session when part of it dies.
type FaultEvent struct {
	Scope Scope
	Link  LinkDirection
	Cause Cause
	Err   error
}

func (f FaultEvent) String() string {
	s := f.Scope.String()
	if f.Scope == ScopeLink {
		s += "(" + f.Link.String() + ")"
	}
	if f.Err != nil {
		return fmt.Sprintf("%s %s: %v", s, f.Cause, f.Err)
	}
	return s + " " + f.Cause.String()
}

// FaultKind is a fault the hub (or a local injector) can be asked to
// simulate. The values match the hub's fault-injection operation types.
type FaultKind string

const (
	FaultKillTCP                FaultKind = "KillTcp"
	FaultShutdownMqtt           FaultKind = "ShutDownMqtt"
	FaultShutdownAmqp           FaultKind = "ShutDownAmqp"
	FaultKillAmqpConnection     FaultKind = "KillAmqpConnection"
	FaultKillAmqpSession        FaultKind = "KillAmqpSession"
	FaultKillAmqpMethodReqLink  FaultKind = "KillAmqpMethodReqLink"
	FaultKillAmqpMethodRespLink FaultKind = "KillAmqpMethodRespLink"
)

// Fault close reasons used by the hub.
const (
	FaultReasonBoom = "boom"
	FaultReasonBye  = "bye"
)

// Fault describes a fault to inject.
type Fault struct {
	Kind     FaultKind
	Reason   string
	Delay    time.Duration
	Duration time.Duration
}

// FaultReporter is the fault channel of a session. The first report
// invalidates the session; reports after Shutdown are dropped.
type FaultReporter struct {
	mu       sync.Mutex
	ch       chan FaultEvent
	invalid  bool
	shutdown bool
}

func NewFaultReporter() *FaultReporter {
	return &FaultReporter{ch: make(chan FaultEvent, 16)}
}

// C returns the channel the pipeline consumes.
func (r *FaultReporter) C() <-chan FaultEvent {
	return r.ch
}

// Report records a fault. It returns false when the session has already
// been shut down.
func (r *FaultReporter) Report(ev FaultEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.invalid = true
	select {
	case r.ch <- ev:
	default:
		// the state machine acts on the first fault of a generation
		log.Warnf("fault channel full, dropping %v", ev)
	}
	return true
}

// Invalid reports whether a fault has been recorded.
func (r *FaultReporter) Invalid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid || r.shutdown
}

// Shutdown stops further reports and closes the channel. Safe to call more
// than once.
func (r *FaultReporter) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return
	}
	r.shutdown = true
	close(r.ch)
}
