// Package transport defines the contract between the device client pipeline
// and the protocol specific bindings (AMQP, MQTT, HTTP).
//
// A Binding opens Sessions. A Session owns the live protocol resources
// (socket, AMQP session and links, MQTT subscriptions), carries Operations
// to the hub and reports FaultEvents asynchronously. Bindings never classify
// failures; they translate library errors into the error types of this
// package and leave the naming to the pipeline.
package transport

import (
	"context"
	"crypto/tls"
	"time"
)

// Kind selects the wire protocol a client uses.
type Kind int

const (
	AmqpTCP Kind = iota
	AmqpWebSocket
	MqttTCP
	MqttWebSocket
	HTTP
)

func (k Kind) String() string {
	switch k {
	case AmqpTCP:
		return "amqp"
	case AmqpWebSocket:
		return "amqp-ws"
	case MqttTCP:
		return "mqtt"
	case MqttWebSocket:
		return "mqtt-ws"
	case HTTP:
		return "http"
	default:
		return "unknown"
	}
}

// ParseKind maps the names returned by Kind.String back to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k := AmqpTCP; k <= HTTP; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// WebSocket reports whether the kind tunnels over a WebSocket.
func (k Kind) WebSocket() bool {
	return k == AmqpWebSocket || k == MqttWebSocket
}

// OperationKind identifies what an Operation asks of the hub.
type OperationKind int

const (
	OpTelemetry OperationKind = iota
	OpMethodResponse
	OpGetTwin
	OpPatchTwin
	OpFaultInjection
)

func (o OperationKind) String() string {
	switch o {
	case OpTelemetry:
		return "telemetry"
	case OpMethodResponse:
		return "method-response"
	case OpGetTwin:
		return "get-twin"
	case OpPatchTwin:
		return "patch-twin"
	case OpFaultInjection:
		return "fault-injection"
	default:
		return "unknown"
	}
}

// Operation is one logical request/response unit. ID stays the same for
// every attempt; CorrelationID is issued per attempt and is only meaningful
// on the session it was issued for.
type Operation struct {
	ID            string
	Kind          OperationKind
	CorrelationID string
	Payload       []byte
	Properties    map[string]string
	MessageID     string
	ContentType   string

	// RequestID and Status are set for OpMethodResponse.
	RequestID string
	Status    int

	Deadline time.Time
	Attempt  int
	Delay    time.Duration
}

// Response is the hub's answer to an Operation.
type Response struct {
	Status  int
	Payload []byte
	Version int
}

// MethodRequest is a direct method invocation pushed by the hub.
type MethodRequest struct {
	RequestID string
	Name      string
	Payload   []byte
}

// Message is a cloud-to-device message.
type Message struct {
	MessageID  string
	Payload    []byte
	Properties map[string]string
}

// Credential is what a Session authenticates with. Token holds a shared
// access signature.
type Credential struct {
	Token     string
	ExpiresOn time.Time
}

// CredentialProvider yields a valid Credential. It is called on every open.
type CredentialProvider interface {
	Credential(ctx context.Context) (Credential, error)
}

// CredentialProviderFunc adapts a function to CredentialProvider.
type CredentialProviderFunc func(ctx context.Context) (Credential, error)

func (f CredentialProviderFunc) Credential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// OpenOptions carries everything a Binding needs to open a Session.
type OpenOptions struct {
	HostName   string
	DeviceID   string
	ModuleID   string
	Credential Credential
	TLSConfig  *tls.Config
	APIVersion string

	// OnMethod and OnMessage are invoked from the session's receive
	// goroutines and must not block.
	OnMethod  func(MethodRequest)
	OnMessage func(Message)
}

// Binding opens protocol sessions.
type Binding interface {
	Kind() Kind
	Open(ctx context.Context, opts OpenOptions) (Session, error)
}

// Session holds the live protocol resources of one connection generation.
// Once a session reported a fault it is invalid and Send fails with
// ErrSessionInvalid. Close is idempotent.
type Session interface {
	Send(ctx context.Context, op *Operation) (*Response, error)
	Faults() <-chan FaultEvent
	Close() error
}

// FaultInjector is implemented by sessions that can simulate a fault
// locally.
type FaultInjector interface {
	InjectFault(ctx context.Context, f Fault) error
}
