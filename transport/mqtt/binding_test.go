package mqtt

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOptions() transport.OpenOptions {
	return transport.OpenOptions{
		HostName:   "hub.example.net",
		DeviceID:   "dev1",
		Credential: transport.Credential{Token: "SharedAccessSignature sr=x&sig=y&se=1"},
		APIVersion: "2020-05-31-preview",
	}
}

func openSession(t *testing.T, hub *mockHub, opts transport.OpenOptions) transport.Session {
	t.Helper()
	b := NewBinding(false, log.NewEntry(log.StandardLogger()))
	b.Dialer = hub
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := b.Open(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCredentialsAndSubscriptions(t *testing.T) {
	hub := newMockHub(t)
	openSession(t, hub, openOptions())

	connect := hub.lastConnect()
	require.NotNil(t, connect)
	assert.Equal(t, "dev1", connect.ClientIdentifier)
	assert.Equal(t, "hub.example.net/dev1/?api-version=2020-05-31-preview", connect.Username)
	assert.Equal(t, "SharedAccessSignature sr=x&sig=y&se=1", string(connect.Password))
	assert.ElementsMatch(t, []string{methodsFilter, twinResFilter, "devices/dev1/messages/devicebound/#"}, hub.subscriptions())
}

func TestOpenRefused(t *testing.T) {
	for _, tc := range []struct {
		rc    byte
		check func(t *testing.T, err error)
	}{
		{packets.ErrRefusedNotAuthorised, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, transport.ErrUnauthorized), err)
		}},
		{packets.ErrRefusedBadUsernameOrPassword, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, transport.ErrUnauthorized), err)
		}},
		{packets.ErrRefusedServerUnavailable, func(t *testing.T, err error) {
			var status *transport.StatusError
			require.True(t, errors.As(err, &status), err)
			assert.Equal(t, http.StatusServiceUnavailable, status.Code)
		}},
	} {
		hub := newMockHub(t)
		hub.returnCode = tc.rc
		b := NewBinding(false, nil)
		b.Dialer = hub
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := b.Open(ctx, openOptions())
		cancel()
		require.Error(t, err)
		tc.check(t, err)
	}
}

func TestTelemetry(t *testing.T) {
	hub := newMockHub(t)
	s := openSession(t, hub, openOptions())

	op := &transport.Operation{
		Kind:       transport.OpTelemetry,
		Payload:    []byte("hello"),
		MessageID:  "m1",
		Properties: map[string]string{"b": "2", "a": "1"},
	}
	resp, err := s.Send(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	select {
	case p := <-hub.published:
		assert.Equal(t, "devices/dev1/messages/events/$.mid=m1&a=1&b=2", p.TopicName)
		assert.Equal(t, []byte("hello"), p.Payload)
		assert.EqualValues(t, 1, p.Qos)
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not received")
	}
}

func TestTelemetryTooLarge(t *testing.T) {
	hub := newMockHub(t)
	s := openSession(t, hub, openOptions())

	_, err := s.Send(context.Background(), &transport.Operation{
		Kind:    transport.OpTelemetry,
		Payload: make([]byte, transport.MaxMessageSize+1),
	})
	var tooLarge *transport.MessageTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, "message size cannot exceed 262144 bytes", err.Error())
}

func TestTwin(t *testing.T) {
	hub := newMockHub(t)
	hub.twinVersion = 7
	s := openSession(t, hub, openOptions())

	resp, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpGetTwin, CorrelationID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 7, resp.Version)
	assert.JSONEq(t, `{"desired":{},"reported":{}}`, string(resp.Payload))

	hub.mu.Lock()
	hub.twinStatus = 404
	hub.twinPayload = []byte("no twin")
	hub.mu.Unlock()
	_, err = s.Send(context.Background(), &transport.Operation{Kind: transport.OpPatchTwin, CorrelationID: "2", Payload: []byte(`{}`)})
	var status *transport.StatusError
	require.True(t, errors.As(err, &status), err)
	assert.Equal(t, 404, status.Code)
}

func TestMethodRoundTrip(t *testing.T) {
	hub := newMockHub(t)
	methods := make(chan transport.MethodRequest, 1)
	opts := openOptions()
	opts.OnMethod = func(m transport.MethodRequest) { methods <- m }
	s := openSession(t, hub, opts)

	hub.push("$iothub/methods/POST/MethodE2ETest/?$rid=42", []byte(`{"a":123}`))

	var req transport.MethodRequest
	select {
	case req = <-methods:
	case <-time.After(5 * time.Second):
		t.Fatal("method request not delivered")
	}
	assert.Equal(t, "MethodE2ETest", req.Name)
	assert.Equal(t, "42", req.RequestID)
	assert.Equal(t, `{"a":123}`, string(req.Payload))

	_, err := s.Send(context.Background(), &transport.Operation{
		Kind:      transport.OpMethodResponse,
		RequestID: req.RequestID,
		Status:    200,
		Payload:   []byte(`{"name":"e2e_test"}`),
	})
	require.NoError(t, err)

	select {
	case p := <-hub.published:
		assert.Equal(t, "$iothub/methods/res/200/?$rid=42", p.TopicName)
		assert.Equal(t, `{"name":"e2e_test"}`, string(p.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("method response not received")
	}
}

func TestCloudToDeviceMessage(t *testing.T) {
	hub := newMockHub(t)
	messages := make(chan transport.Message, 1)
	opts := openOptions()
	opts.OnMessage = func(m transport.Message) { messages <- m }
	openSession(t, hub, opts)

	hub.push("devices/dev1/messages/devicebound/%24.mid=c2d-1&color=red", []byte("ping"))

	select {
	case m := <-messages:
		assert.Equal(t, "c2d-1", m.MessageID)
		assert.Equal(t, map[string]string{"color": "red"}, m.Properties)
		assert.Equal(t, "ping", string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("c2d message not delivered")
	}
}

func waitFault(t *testing.T, s transport.Session) transport.FaultEvent {
	t.Helper()
	select {
	case ev := <-s.Faults():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no fault reported")
	}
	return transport.FaultEvent{}
}

func TestHubClosingConnectionFaults(t *testing.T) {
	hub := newMockHub(t)
	s := openSession(t, hub, openOptions())

	hub.drop()
	ev := waitFault(t, s)
	assert.Equal(t, transport.ScopeConnection, ev.Scope)

	_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry, Payload: []byte("x")})
	var fault *transport.FaultError
	require.True(t, errors.As(err, &fault), err)
	assert.Equal(t, transport.ScopeConnection, fault.Event.Scope)
}

func TestInjectFault(t *testing.T) {
	for _, tc := range []struct {
		kind  transport.FaultKind
		cause transport.Cause
	}{
		{transport.FaultKillTCP, transport.CauseAbruptClose},
		{transport.FaultShutdownMqtt, transport.CauseGracefulClose},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			hub := newMockHub(t)
			s := openSession(t, hub, openOptions())
			injector, ok := s.(transport.FaultInjector)
			require.True(t, ok)
			require.NoError(t, injector.InjectFault(context.Background(), transport.Fault{Kind: tc.kind}))

			ev := waitFault(t, s)
			assert.Equal(t, transport.ScopeConnection, ev.Scope)
			assert.Equal(t, tc.cause, ev.Cause)
		})
	}
}

func TestInjectAmqpFaultUnsupported(t *testing.T) {
	hub := newMockHub(t)
	s := openSession(t, hub, openOptions())
	err := s.(transport.FaultInjector).InjectFault(context.Background(), transport.Fault{Kind: transport.FaultKillAmqpSession})
	assert.True(t, errors.Is(err, transport.ErrUnsupported))
}

func TestCloseIdempotentAndSilent(t *testing.T) {
	hub := newMockHub(t)
	s := openSession(t, hub, openOptions())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// the fault channel is closed without reporting anything
	_, ok := <-s.Faults()
	assert.False(t, ok)

	_, err := s.Send(context.Background(), &transport.Operation{Kind: transport.OpTelemetry})
	assert.True(t, errors.Is(err, transport.ErrSessionInvalid))
}

func TestTopicParsing(t *testing.T) {
	name, rid, err := parseMethodTopic("$iothub/methods/POST/reboot/?$rid=abc")
	require.NoError(t, err)
	assert.Equal(t, "reboot", name)
	assert.Equal(t, "abc", rid)

	status, rid, version, err := parseTwinResponseTopic("$iothub/twin/res/204/?$rid=9&$version=12")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Equal(t, "9", rid)
	assert.Equal(t, 12, version)

	_, _, _, err = parseTwinResponseTopic("$iothub/twin/res/abc")
	assert.Error(t, err)

	opts := openOptions()
	opts.ModuleID = "mod"
	assert.Equal(t, "dev1/mod", clientID(opts))
	assert.True(t, strings.HasPrefix(telemetryTopic(opts, &transport.Operation{}), "devices/dev1/modules/mod/messages/events/"))
}
