package devicelink

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/srishina/devicelink/transport"
	"github.com/stretchr/testify/require"
)

// fakeBinding stands in for a protocol binding. Every Open yields a new
// fakeSession unless an error is queued in openErrs.
type fakeBinding struct {
	mu       sync.Mutex
	opens    int
	openErrs []error
	sessions []*fakeSession
	// alwaysFail, when set, fails every open after the first with it
	alwaysFail error
	creds      []transport.Credential
	configure  func(*fakeSession)
}

func (b *fakeBinding) Kind() transport.Kind {
	return transport.AmqpTCP
}

func (b *fakeBinding) Open(ctx context.Context, opts transport.OpenOptions) (transport.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	b.creds = append(b.creds, opts.Credential)
	if len(b.openErrs) > 0 {
		err := b.openErrs[0]
		b.openErrs = b.openErrs[1:]
		return nil, err
	}
	if b.alwaysFail != nil && len(b.sessions) > 0 {
		return nil, b.alwaysFail
	}
	s := &fakeSession{opts: opts, faults: transport.NewFaultReporter()}
	if b.configure != nil {
		b.configure(s)
	}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *fakeBinding) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

func (b *fakeBinding) session(i int) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

func (b *fakeBinding) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

type fakeSession struct {
	opts   transport.OpenOptions
	faults *transport.FaultReporter

	mu        sync.Mutex
	sent      []*transport.Operation
	closes    int
	lastFault *transport.FaultEvent
	// respond overrides the default answers when set
	respond func(ctx context.Context, op *transport.Operation) (*transport.Response, error)
}

func (s *fakeSession) Send(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	if s.faults.Invalid() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.lastFault != nil {
			return nil, &transport.FaultError{Event: *s.lastFault}
		}
		return nil, transport.ErrSessionInvalid
	}
	if err := transport.CheckSize(op); err != nil {
		return nil, err
	}

	cp := *op
	s.mu.Lock()
	s.sent = append(s.sent, &cp)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(ctx, op)
	}

	switch op.Kind {
	case transport.OpGetTwin:
		return &transport.Response{Status: http.StatusOK, Payload: []byte(`{"desired":{}}`), Version: 3}, nil
	case transport.OpPatchTwin:
		return &transport.Response{Status: http.StatusNoContent, Version: 4}, nil
	case transport.OpMethodResponse:
		return &transport.Response{Status: op.Status}, nil
	}
	return &transport.Response{Status: http.StatusNoContent}, nil
}

func (s *fakeSession) Faults() <-chan transport.FaultEvent {
	return s.faults.C()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.faults.Shutdown()
	return nil
}

// fault simulates the binding observing ev
func (s *fakeSession) fault(ev transport.FaultEvent) bool {
	s.mu.Lock()
	if s.lastFault == nil {
		s.lastFault = &ev
	}
	s.mu.Unlock()
	return s.faults.Report(ev)
}

func (s *fakeSession) InjectFault(_ context.Context, f transport.Fault) error {
	ev := transport.FaultEvent{Scope: transport.ScopeConnection, Cause: transport.CauseAbruptClose}
	switch f.Kind {
	case transport.FaultShutdownAmqp, transport.FaultShutdownMqtt:
		ev.Cause = transport.CauseGracefulClose
	case transport.FaultKillAmqpSession:
		ev.Scope = transport.ScopeSession
	case transport.FaultKillAmqpMethodReqLink:
		ev = transport.FaultEvent{Scope: transport.ScopeLink, Link: transport.LinkRequest}
	case transport.FaultKillAmqpMethodRespLink:
		ev = transport.FaultEvent{Scope: transport.ScopeLink, Link: transport.LinkResponse}
	}
	time.AfterFunc(f.Delay, func() { s.fault(ev) })
	return nil
}

func (s *fakeSession) sentOps() []*transport.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Operation(nil), s.sent...)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// statusRecorder collects every status a client emits
type statusRecorder struct {
	mu   sync.Mutex
	all  []Status
	next chan Status
}

func recordStatus(c *Client) *statusRecorder {
	r := &statusRecorder{next: make(chan Status, 1024)}
	c.OnConnectionStatus(func(s Status) {
		r.mu.Lock()
		r.all = append(r.all, s)
		r.mu.Unlock()
		r.next <- s
	})
	return r
}

// waitFor consumes statuses until one in state arrives
func (r *statusRecorder) waitFor(t *testing.T, state ConnectionState) Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.next:
			if s.State == state {
				return s
			}
		case <-timeout:
			t.Fatalf("status %s not reached, got %v", state, r.states())
			return Status{}
		}
	}
}

func (r *statusRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]ConnectionState, 0, len(r.all))
	for _, s := range r.all {
		states = append(states, s.State)
	}
	return states
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.all...)
}

func fastPolicy(budget time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		MinBackoff:       5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
		DeltaBackoff:     5 * time.Millisecond,
		Budget:           budget,
		NotFoundAttempts: 3,
	}
}

func newTestClient(t *testing.T, b *fakeBinding, opt ...ClientOption) *Client {
	t.Helper()
	opts := append([]ClientOption{WithBinding(b), WithRetryPolicy(fastPolicy(5 * time.Second))}, opt...)
	c, err := NewClient("hub.example.net", "dev1", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}
