package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/srishina/devicelink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	header nethttp.Header
	body   []byte
}

type mockHub struct {
	mu        sync.Mutex
	requests  []recordedRequest
	status    int
	c2d       [][]byte
	completed []string
}

func (h *mockHub) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Clone(), body})

	switch {
	case r.Method == nethttp.MethodGet:
		if len(h.c2d) == 0 {
			w.WriteHeader(nethttp.StatusNoContent)
			return
		}
		w.Header().Set("ETag", `"etag-1"`)
		w.Header().Set("iothub-messageid", "c2d-1")
		w.Header().Set("iothub-app-color", "red")
		w.WriteHeader(nethttp.StatusOK)
		w.Write(h.c2d[0])
		h.c2d = h.c2d[1:]
	case r.Method == nethttp.MethodDelete:
		h.completed = append(h.completed, r.URL.Path)
		w.WriteHeader(nethttp.StatusNoContent)
	default:
		if h.status != 0 {
			w.WriteHeader(h.status)
			w.Write([]byte("hub says no"))
			return
		}
		w.WriteHeader(nethttp.StatusNoContent)
	}
}

func (h *mockHub) lastRequest() recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func newTestSession(t *testing.T, hub *mockHub, configure func(*Binding, *transport.OpenOptions)) transport.Session {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	b := NewBinding(nil)
	b.BaseURL = srv.URL
	b.Client = srv.Client()
	b.PollInterval = 10 * time.Millisecond
	opts := transport.OpenOptions{
		HostName:   "hub.example.net",
		DeviceID:   "dev1",
		Credential: transport.Credential{Token: "SharedAccessSignature sr=x&sig=y&se=1"},
		APIVersion: "2020-05-31-preview",
	}
	if configure != nil {
		configure(b, &opts)
	}
	s, err := b.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTelemetry(t *testing.T) {
	hub := &mockHub{}
	s := newTestSession(t, hub, nil)

	resp, err := s.Send(context.Background(), &transport.Operation{
		Kind:       transport.OpTelemetry,
		Payload:    []byte("hello"),
		MessageID:  "m1",
		Properties: map[string]string{"k": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusNoContent, resp.Status)

	req := hub.lastRequest()
	assert.Equal(t, nethttp.MethodPost, req.method)
	assert.Equal(t, "/devices/dev1/messages/events", req.path)
	assert.Equal(t, "api-version=2020-05-31-preview", req.query)
	assert.Equal(t, "SharedAccessSignature sr=x&sig=y&se=1", req.header.Get("Authorization"))
	assert.Equal(t, "m1", req.header.Get("iothub-messageid"))
	assert.Equal(t, "v", req.header.Get("iothub-app-k"))
	assert.Equal(t, []byte("hello"), req.body)
}

func TestStatusErrors(t *testing.T) {
	hub := &mockHub{status: nethttp.StatusUnauthorized}
	s := newTestSession(t, hub, nil)

	_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry})
	var status *transport.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, nethttp.StatusUnauthorized, status.Code)
	assert.Equal(t, "hub says no", status.Message)
}

func TestMethodsAndTwinUnsupported(t *testing.T) {
	s := newTestSession(t, &mockHub{}, nil)
	for _, kind := range []transport.OperationKind{transport.OpMethodResponse, transport.OpGetTwin, transport.OpPatchTwin} {
		_, err := s.Send(context.Background(), &transport.Operation{Kind: kind})
		assert.True(t, errors.Is(err, transport.ErrUnsupported), kind.String())
	}
}

func TestBreakerFaultsSession(t *testing.T) {
	hub := &mockHub{status: nethttp.StatusServiceUnavailable}
	s := newTestSession(t, hub, func(b *Binding, _ *transport.OpenOptions) {
		b.BreakerFailures = 2
	})

	for i := 0; i < 2; i++ {
		_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry})
		require.Error(t, err)
	}

	select {
	case ev := <-s.Faults():
		assert.Equal(t, transport.ScopeConnection, ev.Scope)
		assert.Equal(t, transport.CauseAbruptClose, ev.Cause)
	case <-time.After(time.Second):
		t.Fatal("breaker did not fault the session")
	}

	_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry})
	var fault *transport.FaultError
	assert.True(t, errors.As(err, &fault))
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	hub := &mockHub{status: nethttp.StatusBadRequest}
	s := newTestSession(t, hub, func(b *Binding, _ *transport.OpenOptions) {
		b.BreakerFailures = 1
	})
	for i := 0; i < 3; i++ {
		_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry})
		var status *transport.StatusError
		require.True(t, errors.As(err, &status))
	}
	select {
	case ev := <-s.Faults():
		t.Fatalf("unexpected fault %v", ev)
	default:
	}
}

func TestCloudToDevicePolling(t *testing.T) {
	hub := &mockHub{c2d: [][]byte{[]byte("ping")}}
	messages := make(chan transport.Message, 1)
	newTestSession(t, hub, func(_ *Binding, opts *transport.OpenOptions) {
		opts.OnMessage = func(m transport.Message) { messages <- m }
	})

	select {
	case m := <-messages:
		assert.Equal(t, "c2d-1", m.MessageID)
		assert.Equal(t, "ping", string(m.Payload))
		assert.Equal(t, map[string]string{"color": "red"}, m.Properties)
	case <-time.After(5 * time.Second):
		t.Fatal("no cloud-to-device message")
	}

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.completed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	hub.mu.Lock()
	assert.Equal(t, "/devices/dev1/messages/deviceBound/etag-1", hub.completed[0])
	hub.mu.Unlock()
}

func TestInjectKillTCP(t *testing.T) {
	s := newTestSession(t, &mockHub{}, nil)
	injector := s.(transport.FaultInjector)
	require.NoError(t, injector.InjectFault(context.Background(), transport.Fault{Kind: transport.FaultKillTCP}))

	select {
	case ev := <-s.Faults():
		assert.Equal(t, transport.ScopeConnection, ev.Scope)
	case <-time.After(time.Second):
		t.Fatal("no fault")
	}
	assert.True(t, errors.Is(injector.InjectFault(context.Background(), transport.Fault{Kind: transport.FaultShutdownAmqp}), transport.ErrUnsupported))
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestSession(t, &mockHub{}, func(_ *Binding, opts *transport.OpenOptions) {
		opts.OnMessage = func(transport.Message) {}
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, ok := <-s.Faults()
	assert.False(t, ok)
}
