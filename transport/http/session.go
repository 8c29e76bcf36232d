package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/srishina/devicelink/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	appPropertyPrefix = "iothub-app-"
	messageIDHeader   = "iothub-messageid"
	maxResponseBody   = 1 << 20
)

type response struct {
	status int
	header nethttp.Header
	body   []byte
}

type session struct {
	opts    transport.OpenOptions
	base    string
	client  *nethttp.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	faults  *transport.FaultReporter
	log     *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	lastFault *transport.FaultEvent
	timers    []*time.Timer
	closed    bool
}

func newSession(opts transport.OpenOptions, base string, client *nethttp.Client, logger *log.Entry) *session {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &session{
		opts:   opts,
		base:   strings.TrimSuffix(base, "/"),
		client: client,
		faults: transport.NewFaultReporter(),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		group:  group,
	}
}

// successful tells the breaker which outcomes say nothing about the hub's
// health.
func successful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var status *transport.StatusError
	if errors.As(err, &status) {
		return status.Code < 500 && status.Code != nethttp.StatusTooManyRequests && status.Code != nethttp.StatusRequestTimeout
	}
	return false
}

func (s *session) path(suffix string) string {
	p := "/devices/" + url.PathEscape(s.opts.DeviceID)
	if s.opts.ModuleID != "" {
		p += "/modules/" + url.PathEscape(s.opts.ModuleID)
	}
	return p + suffix
}

func (s *session) do(ctx context.Context, method, path string, body []byte, header nethttp.Header) (*response, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		u := s.base + path + "?api-version=" + url.QueryEscape(s.opts.APIVersion)
		req, err := nethttp.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			req.Header[k] = vs
		}
		req.Header.Set("Authorization", s.opts.Credential.Token)
		req.Header.Set("User-Agent", userAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, &transport.StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		}
		return &response{status: resp.StatusCode, header: resp.Header, body: b}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, s.sessionErr()
		}
		return nil, err
	}
	return v.(*response), nil
}

func (s *session) fault(ev transport.FaultEvent) {
	s.mu.Lock()
	if s.lastFault == nil {
		s.lastFault = &ev
	}
	s.mu.Unlock()
	if s.faults.Report(ev) {
		s.log.WithError(ev.Err).Warnf("http fault: %v", ev)
	}
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
		header := nethttp.Header{}
		for k, v := range op.Properties {
			header.Set(appPropertyPrefix+k, v)
		}
		if op.MessageID != "" {
			header.Set(messageIDHeader, op.MessageID)
		}
		if op.ContentType != "" {
			header.Set("Content-Type", op.ContentType)
		}
		resp, err := s.do(ctx, nethttp.MethodPost, s.path("/messages/events"), op.Payload, header)
		if err != nil {
			return nil, err
		}
		return &transport.Response{Status: resp.status}, nil
	}
	return nil, fmt.Errorf("%w: %s over http", transport.ErrUnsupported, op.Kind)
}

// poll long-polls for cloud-to-device messages until the session closes
func (s *session) poll() error {
	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return nil
		}
		if s.faults.Invalid() {
			return nil
		}
		if err := s.receiveOne(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.WithError(err).Debug("cloud-to-device poll failed")
		}
	}
}

func (s *session) receiveOne(ctx context.Context) error {
	resp, err := s.do(ctx, nethttp.MethodGet, s.path("/messages/deviceBound"), nil, nil)
	if err != nil {
		return err
	}
	if resp.status == nethttp.StatusNoContent {
		return nil
	}

	msg := transport.Message{MessageID: resp.header.Get(messageIDHeader), Payload: resp.body}
	for k := range resp.header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, appPropertyPrefix) {
			if msg.Properties == nil {
				msg.Properties = make(map[string]string)
			}
			msg.Properties[strings.TrimPrefix(lk, appPropertyPrefix)] = resp.header.Get(k)
		}
	}
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}

	etag := strings.Trim(resp.header.Get("ETag"), `"`)
	if etag == "" {
		return errors.New("cloud-to-device message without etag")
	}
	_, err = s.do(ctx, nethttp.MethodDelete, s.path("/messages/deviceBound/"+url.PathEscape(etag)), nil, nil)
	return err
}

// InjectFault only knows KillTcp: idle connections are dropped and the
// session faults as if the network went away.
func (s *session) InjectFault(_ context.Context, f transport.Fault) error {
	if f.Kind != transport.FaultKillTCP {
		return fmt.Errorf("%w: fault %s over http", transport.ErrUnsupported, f.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrSessionInvalid
	}
	s.timers = append(s.timers, time.AfterFunc(f.Delay, func() {
		s.client.CloseIdleConnections()
		s.fault(transport.FaultEvent{
			Scope: transport.ScopeConnection,
			Cause: transport.CauseAbruptClose,
			Err:   fmt.Errorf("injected %s", f.Kind),
		})
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
	return s.group.Wait()
}
