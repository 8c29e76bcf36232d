package amqp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/internal/linkutil"
	"github.com/srishina/devicelink/transport"
	"golang.org/x/sync/errgroup"
)

type twinResult struct {
	resp *transport.Response
	err  error
}

// sender, receiver and endpoint are the parts of go-amqp's links and
// session the device session drives.
type sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}

type receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	Close(ctx context.Context) error
}

type endpoint interface {
	Close(ctx context.Context) error
}

type session struct {
	opts    transport.OpenOptions
	netConn net.Conn
	conn    io.Closer
	log     *log.Entry

	amqpSession endpoint
	telemetry   sender
	methodReq   receiver
	methodResp  sender
	twinSend    sender
	twinRecv    receiver
	c2d         receiver

	faults  *transport.FaultReporter
	pending *linkutil.OngoingRequests[twinResult]

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	lastFault *transport.FaultEvent
	timers    []*time.Timer
	closed    bool
}

func newSession(opts transport.OpenOptions, netConn net.Conn, conn io.Closer, logger *log.Entry) *session {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &session{
		opts:    opts,
		netConn: netConn,
		conn:    conn,
		log:     logger,
		faults:  transport.NewFaultReporter(),
		pending: linkutil.NewOngoingRequests[twinResult](),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
	}
}

// start runs one receive loop per inbound link
func (s *session) start() {
	s.group.Go(func() error {
		return s.receive(s.methodReq, transport.LinkRequest, s.onMethod)
	})
	s.group.Go(func() error {
		return s.receive(s.twinRecv, transport.LinkResponse, s.onTwinResponse)
	})
	if s.c2d != nil {
		s.group.Go(func() error {
			return s.receive(s.c2d, transport.LinkRequest, s.onMessage)
		})
	}
}

func (s *session) receive(r receiver, dir transport.LinkDirection, handle func(*amqp.Message)) error {
	for {
		msg, err := r.Receive(s.ctx, nil)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fault(faultFor(err, dir))
			}
			return nil
		}
		if err := r.AcceptMessage(s.ctx, msg); err != nil {
			s.log.WithError(err).Debug("accepting message")
		}
		handle(msg)
	}
}

func (s *session) onMethod(msg *amqp.Message) {
	req, err := parseMethodRequest(msg)
	if err != nil {
		s.log.WithError(err).Warn("dropping method request")
		return
	}
	if s.opts.OnMethod != nil {
		s.opts.OnMethod(req)
	}
}

func (s *session) onTwinResponse(msg *amqp.Message) {
	rid, resp := parseTwinResponse(msg)
	r := twinResult{resp: resp}
	if resp.Status >= 300 {
		r = twinResult{err: &transport.StatusError{Code: resp.Status, Message: string(resp.Payload)}}
	}
	if !s.pending.Complete(rid, r) {
		s.log.Debugf("twin response for unknown request %s", rid)
	}
}

func (s *session) onMessage(msg *amqp.Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(parseMessage(msg))
	}
}

// fault records ev, reports it and fails requests waiting on this session
func (s *session) fault(ev transport.FaultEvent) {
	s.mu.Lock()
	if s.lastFault == nil {
		s.lastFault = &ev
	}
	s.mu.Unlock()

	if s.faults.Report(ev) {
		s.log.WithError(ev.Err).Warnf("amqp fault: %v", ev)
	}
	if n := s.pending.Len(); n > 0 {
		s.log.Debugf("failing %d twin requests", n)
	}
	s.pending.FailAll(twinResult{err: &transport.FaultError{Event: ev}})
}

func (s *session) sessionErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFault != nil {
		return &transport.FaultError{Event: *s.lastFault}
	}
	return transport.ErrSessionInvalid
}

func (s *session) Faults() <-chan transport.FaultEvent {
	return s.faults.C()
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
		if err := s.send(ctx, s.telemetry, transport.LinkRequest, telemetryMessage(op)); err != nil {
			return nil, err
		}
		return &transport.Response{Status: 204}, nil
	case transport.OpMethodResponse:
		if err := s.send(ctx, s.methodResp, transport.LinkResponse, methodResponseMessage(op)); err != nil {
			return nil, err
		}
		return &transport.Response{Status: op.Status}, nil
	case transport.OpGetTwin, transport.OpPatchTwin:
		return s.twinRequest(ctx, op)
	}
	return nil, fmt.Errorf("%w: %s over amqp", transport.ErrUnsupported, op.Kind)
}

func (s *session) send(ctx context.Context, link sender, dir transport.LinkDirection, msg *amqp.Message) error {
	err := link.Send(ctx, msg, nil)
	if err == nil {
		return nil
	}
	if linkFailure(err) {
		ev := faultFor(err, dir)
		s.fault(ev)
		return &transport.FaultError{Event: ev}
	}
	return sendError(err)
}

func (s *session) twinRequest(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	result, err := s.pending.Add(op.CorrelationID)
	if err != nil {
		return nil, err
	}
	if err := s.send(ctx, s.twinSend, transport.LinkRequest, twinRequestMessage(op)); err != nil {
		s.pending.Remove(op.CorrelationID)
		return nil, err
	}

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		s.pending.Remove(op.CorrelationID)
		return nil, ctx.Err()
	}
}

// InjectFault simulates the named fault after f.Delay. The fault is
// reported before the resource is torn down so it is the one the caller
// observes.
func (s *session) InjectFault(_ context.Context, f transport.Fault) error {
	cause := transport.CauseGracefulClose
	if f.Reason == transport.FaultReasonBoom {
		cause = transport.CauseAbruptClose
	}

	var ev transport.FaultEvent
	var teardown func()
	switch f.Kind {
	case transport.FaultKillTCP:
		ev = transport.FaultEvent{Scope: transport.ScopeConnection, Cause: transport.CauseAbruptClose}
		teardown = func() { s.netConn.Close() }
	case transport.FaultShutdownAmqp:
		ev = transport.FaultEvent{Scope: transport.ScopeConnection, Cause: transport.CauseGracefulClose}
		teardown = func() { s.conn.Close() }
	case transport.FaultKillAmqpConnection:
		ev = transport.FaultEvent{Scope: transport.ScopeConnection, Cause: cause}
		teardown = func() { s.conn.Close() }
	case transport.FaultKillAmqpSession:
		ev = transport.FaultEvent{Scope: transport.ScopeSession, Cause: cause}
		teardown = func() { s.amqpSession.Close(context.Background()) }
	case transport.FaultKillAmqpMethodReqLink:
		ev = transport.FaultEvent{Scope: transport.ScopeLink, Link: transport.LinkRequest, Cause: cause}
		teardown = func() { s.methodReq.Close(context.Background()) }
	case transport.FaultKillAmqpMethodRespLink:
		ev = transport.FaultEvent{Scope: transport.ScopeLink, Link: transport.LinkResponse, Cause: cause}
		teardown = func() { s.methodResp.Close(context.Background()) }
	default:
		return fmt.Errorf("%w: fault %s over amqp", transport.ErrUnsupported, f.Kind)
	}
	ev.Err = fmt.Errorf("injected %s", f.Kind)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionInvalid
	}
	s.timers = append(s.timers, time.AfterFunc(f.Delay, func() {
		s.log.Infof("injecting %s", f.Kind)
		s.fault(ev)
		teardown()
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
	s.cancel()
	s.pending.FailAll(twinResult{err: transport.ErrSessionInvalid})
	// closing the connection ends the session and every link with it
	if err := s.conn.Close(); err != nil {
		s.log.WithError(err).Debug("closing amqp connection")
	}
	return s.group.Wait()
}
