package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/internal/linkutil"
	"github.com/srishina/devicelink/transport"
)

type twinResult struct {
	resp *transport.Response
	err  error
}

type session struct {
	client  paho.Client
	opts    transport.OpenOptions
	faults  *transport.FaultReporter
	pending *linkutil.OngoingRequests[twinResult]
	log     *log.Entry

	mu        sync.Mutex
	conn      net.Conn
	lastFault *transport.FaultEvent
	// graceful marks a locally injected shutdown so the resulting
	// connection loss reads as a graceful close.
	graceful bool
	timers   []*time.Timer
	closed   bool
}

func newSession(opts transport.OpenOptions, logger *log.Entry) *session {
	return &session{
		opts:    opts,
		faults:  transport.NewFaultReporter(),
		pending: linkutil.NewOngoingRequests[twinResult](),
		log:     logger,
	}
}

func (s *session) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *session) Faults() <-chan transport.FaultEvent {
	return s.faults.C()
}

func (s *session) connectionLost(err error) {
	s.mu.Lock()
	cause := transport.CauseAbruptClose
	if s.graceful || errors.Is(err, io.EOF) {
		cause = transport.CauseGracefulClose
	}
	ev := transport.FaultEvent{Scope: transport.ScopeConnection, Cause: cause, Err: err}
	s.lastFault = &ev
	s.mu.Unlock()

	if s.faults.Report(ev) {
		s.log.WithError(err).Warn("mqtt connection lost")
	}
	if n := s.pending.Len(); n > 0 {
		s.log.Debugf("failing %d twin requests", n)
	}
	s.pending.FailAll(twinResult{err: &transport.FaultError{Event: ev}})
}

// sessionErr is the error for operations on a session that can no longer
// carry them.
func (s *session) sessionErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFault != nil {
		return &transport.FaultError{Event: *s.lastFault}
	}
	return transport.ErrSessionInvalid
}

func (s *session) Send(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	if s.faults.Invalid() {
		return nil, s.sessionErr()
	}

	switch op.Kind {
	case transport.OpTelemetry, transport.OpFaultInjection:
		if err := transport.CheckSize(op); err != nil {
			return nil, err
		}
		if err := s.publish(ctx, telemetryTopic(s.opts, op), 1, op.Payload); err != nil {
			return nil, err
		}
		return &transport.Response{Status: http.StatusNoContent}, nil
	case transport.OpMethodResponse:
		if err := s.publish(ctx, methodResponseTopic(op.Status, op.RequestID), 0, op.Payload); err != nil {
			return nil, err
		}
		return &transport.Response{Status: op.Status}, nil
	case transport.OpGetTwin:
		return s.twinRequest(ctx, op.CorrelationID, twinGetTopic(op.CorrelationID), []byte{})
	case transport.OpPatchTwin:
		return s.twinRequest(ctx, op.CorrelationID, twinPatchTopic(op.CorrelationID), op.Payload)
	}
	return nil, fmt.Errorf("%w: %s over mqtt", transport.ErrUnsupported, op.Kind)
}

func (s *session) publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := wait(ctx, s.client.Publish(topic, qos, false, payload)); err != nil {
		if errors.Is(err, paho.ErrNotConnected) || s.faults.Invalid() {
			return s.sessionErr()
		}
		return err
	}
	return nil
}

// twinRequest publishes a twin request and waits for the response carrying
// the same $rid.
func (s *session) twinRequest(ctx context.Context, rid, topic string, payload []byte) (*transport.Response, error) {
	result, err := s.pending.Add(rid)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, topic, 0, payload); err != nil {
		s.pending.Remove(rid)
		return nil, err
	}

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		s.pending.Remove(rid)
		return nil, ctx.Err()
	}
}

// route dispatches every publish received on the session's subscriptions
func (s *session) route(_ paho.Client, m paho.Message) {
	topic := m.Topic()
	switch {
	case strings.HasPrefix(topic, twinResPrefix):
		status, rid, version, err := parseTwinResponseTopic(topic)
		if err != nil {
			s.log.WithError(err).Warn("dropping twin response")
			return
		}
		r := twinResult{resp: &transport.Response{Status: status, Payload: m.Payload(), Version: version}}
		if status >= 300 {
			r = twinResult{err: &transport.StatusError{Code: status, Message: string(m.Payload())}}
		}
		if !s.pending.Complete(rid, r) {
			s.log.Debugf("twin response for unknown request %s", rid)
		}
	case strings.HasPrefix(topic, methodPostPrefix):
		name, rid, err := parseMethodTopic(topic)
		if err != nil {
			s.log.WithError(err).Warn("dropping method request")
			return
		}
		if s.opts.OnMethod != nil {
			s.opts.OnMethod(transport.MethodRequest{RequestID: rid, Name: name, Payload: m.Payload()})
		}
	default:
		mid, props := parseC2DProperties(s.opts, topic)
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(transport.Message{MessageID: mid, Payload: m.Payload(), Properties: props})
		}
	}
}

// InjectFault simulates a broker side fault after f.Delay
func (s *session) InjectFault(_ context.Context, f transport.Fault) error {
	var graceful bool
	switch f.Kind {
	case transport.FaultKillTCP:
	case transport.FaultShutdownMqtt:
		graceful = true
	default:
		return fmt.Errorf("%w: fault %s over mqtt", transport.ErrUnsupported, f.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionInvalid
	}
	s.timers = append(s.timers, time.AfterFunc(f.Delay, func() {
		s.mu.Lock()
		conn := s.conn
		s.graceful = graceful
		s.mu.Unlock()
		s.log.Infof("injecting %s", f.Kind)
		if conn != nil {
			conn.Close()
		}
	}))
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()

	s.faults.Shutdown()
	s.pending.FailAll(twinResult{err: transport.ErrSessionInvalid})
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}
