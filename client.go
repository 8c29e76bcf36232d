package devicelink

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/internal/linkutil"
	"github.com/srishina/devicelink/transport"
	amqptransport "github.com/srishina/devicelink/transport/amqp"
	httptransport "github.com/srishina/devicelink/transport/http"
	mqtttransport "github.com/srishina/devicelink/transport/mqtt"
)

type (
	MethodRequest = transport.MethodRequest
	Message       = transport.Message
	Fault         = transport.Fault
)

// MethodResponse is what a method handler answers with.
type MethodResponse struct {
	Status  int
	Payload []byte
}

// MethodHandler handles a direct method invocation. ctx ends when the
// client closes.
type MethodHandler func(ctx context.Context, req MethodRequest) MethodResponse

// MessageHandler receives cloud-to-device messages.
type MessageHandler func(msg Message)

// TwinPatchResult is the hub's acknowledgement of a reported properties
// patch.
type TwinPatchResult struct {
	Version int
}

// Client is a device's connection to the hub. Operations are safe for
// concurrent use; each runs through classification, retry and routing to
// whatever session is current at the time.
type Client struct {
	options  clientOptions
	log      *log.Entry
	emitter  *statusEmitter
	conn     *connection
	pipeline handler

	ctx    context.Context
	cancel context.CancelFunc

	methodsMu     sync.RWMutex
	methods       map[string]MethodHandler
	defaultMethod MethodHandler
	onMessage     MessageHandler

	methodQueue  *linkutil.SyncQueue[MethodRequest]
	messageQueue *linkutil.SyncQueue[Message]
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// NewClient creates a client for deviceID on the hub at hostName. Nothing
// is dialed until Open.
func NewClient(hostName, deviceID string, opt ...ClientOption) (*Client, error) {
	if hostName == "" || deviceID == "" {
		return nil, fmt.Errorf("host name and device id are required")
	}
	opts := defaultClientOptions
	for _, o := range opt {
		if err := o(&opts); err != nil {
			return nil, err
		}
	}

	logger := opts.logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{"device": deviceID, "transport": opts.kind})

	binding := opts.binding
	if binding == nil {
		binding = newBinding(opts.kind, entry)
	}

	c := &Client{
		options:      opts,
		log:          entry,
		emitter:      newStatusEmitter(),
		methods:      make(map[string]MethodHandler),
		methodQueue:  linkutil.NewSyncQueue[MethodRequest](dispatchQueueSize),
		messageQueue: linkutil.NewSyncQueue[Message](dispatchQueueSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	openOpts := transport.OpenOptions{
		HostName:   hostName,
		DeviceID:   deviceID,
		ModuleID:   opts.moduleID,
		TLSConfig:  opts.tlsConfig,
		APIVersion: opts.apiVersion,
		OnMethod:   c.enqueueMethod,
		OnMessage:  c.enqueueMessage,
	}
	policy := opts.retryPolicy()
	c.conn = newConnection(binding, opts.credentials, openOpts, policy, opts.openTimeout, c.emitter, entry)
	c.pipeline = newPipeline(c.conn, policy, opts.operationTimeout, entry)

	c.emitter.run()
	c.wg.Add(2)
	go c.dispatchMethods()
	go c.dispatchMessages()
	return c, nil
}

func newBinding(kind transport.Kind, logger *log.Entry) transport.Binding {
	switch kind {
	case transport.AmqpTCP, transport.AmqpWebSocket:
		return amqptransport.NewBinding(kind.WebSocket(), logger)
	case transport.MqttTCP, transport.MqttWebSocket:
		return mqtttransport.NewBinding(kind.WebSocket(), logger)
	default:
		return httptransport.NewBinding(logger)
	}
}

// Open connects to the hub, retrying within the recovery budget. Once open
// the client reconnects by itself after transport faults.
func (c *Client) Open(ctx context.Context) error {
	if err := c.conn.open(ctx); err != nil {
		return classified("open", 0, err)
	}
	return nil
}

// Close releases every resource. It is idempotent and terminal. Close must
// not be called from a status, method or message handler.
func (c *Client) Close() error {
	// queues first: a binding blocked handing over a method must be
	// released before its session can close
	c.closeOnce.Do(func() {
		c.cancel()
		c.methodQueue.Close()
		c.messageQueue.Close()
	})
	c.conn.close()
	c.wg.Wait()
	c.emitter.close()
	return nil
}

// ConnectionState returns the current state.
func (c *Client) ConnectionState() ConnectionState {
	return c.conn.getState()
}

// OnConnectionStatus subscribes fn to status notifications and returns a
// function cancelling the subscription.
func (c *Client) OnConnectionStatus(fn StatusHandler) func() {
	return c.emitter.on(fn)
}

func (c *Client) send(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	return c.pipeline.handle(ctx, op)
}

// SendTelemetry sends a device-to-cloud message.
func (c *Client) SendTelemetry(ctx context.Context, payload []byte, properties map[string]string) error {
	_, err := c.send(ctx, &transport.Operation{
		Kind:       transport.OpTelemetry,
		MessageID:  uuid.NewString(),
		Payload:    payload,
		Properties: properties,
	})
	return err
}

// GetTwin fetches the device twin document.
func (c *Client) GetTwin(ctx context.Context) ([]byte, error) {
	resp, err := c.send(ctx, &transport.Operation{Kind: transport.OpGetTwin})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// SendTwinPatch updates reported properties with a JSON patch.
func (c *Client) SendTwinPatch(ctx context.Context, patch []byte) (*TwinPatchResult, error) {
	resp, err := c.send(ctx, &transport.Operation{Kind: transport.OpPatchTwin, Payload: patch})
	if err != nil {
		return nil, err
	}
	return &TwinPatchResult{Version: resp.Version}, nil
}

// SetMethodHandler registers h for the named method; nil removes it.
func (c *Client) SetMethodHandler(name string, h MethodHandler) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	if h == nil {
		delete(c.methods, name)
		return
	}
	c.methods[name] = h
}

// SetDefaultMethodHandler handles methods without a dedicated handler.
func (c *Client) SetDefaultMethodHandler(h MethodHandler) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	c.defaultMethod = h
}

// SetMessageHandler registers the cloud-to-device message handler.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	c.onMessage = h
}

// InjectFault asks the current session to simulate f locally.
func (c *Client) InjectFault(ctx context.Context, f Fault) error {
	g := c.conn.currentGeneration()
	if g == nil {
		return classified("inject-fault", 0, ErrNotConnected)
	}
	injector, ok := g.session.(transport.FaultInjector)
	if !ok {
		return classified("inject-fault", 0, fmt.Errorf("%w: local fault injection", transport.ErrUnsupported))
	}
	if err := injector.InjectFault(ctx, f); err != nil {
		return classified("inject-fault", 0, err)
	}
	return nil
}

// SendFaultInjection asks the hub to inject f by sending the telemetry
// message the hub recognises as a fault trigger.
func (c *Client) SendFaultInjection(ctx context.Context, f Fault) error {
	_, err := c.send(ctx, FaultInjectionOperation(f))
	return err
}

// dispatchQueueSize bounds the method and message backlog. A full queue
// holds up the binding's receive loop until a handler returns.
const dispatchQueueSize = 16

func (c *Client) enqueueMethod(req MethodRequest) {
	if c.methodQueue.Length() >= dispatchQueueSize {
		c.log.Debugf("method queue full, %s waits for a handler", req.Name)
	}
	if !c.methodQueue.Push(req) {
		c.log.Debugf("dropping method %s, client closed", req.Name)
	}
}

func (c *Client) enqueueMessage(msg Message) {
	if c.messageQueue.Length() >= dispatchQueueSize {
		c.log.Debugf("message queue full, %s waits for a handler", msg.MessageID)
	}
	if !c.messageQueue.Push(msg) {
		c.log.Debugf("dropping message %s, client closed", msg.MessageID)
	}
}

func (c *Client) dispatchMethods() {
	defer c.wg.Done()
	for {
		closed, req := c.methodQueue.Pop()
		if closed {
			return
		}
		c.invokeMethod(req)
	}
}

func (c *Client) invokeMethod(req MethodRequest) {
	c.methodsMu.RLock()
	h, ok := c.methods[req.Name]
	if !ok {
		h = c.defaultMethod
	}
	c.methodsMu.RUnlock()

	res := MethodResponse{Status: http.StatusNotImplemented, Payload: []byte("null")}
	if h != nil {
		res = c.callMethod(h, req)
	} else {
		c.log.Warnf("no handler for method %s", req.Name)
	}

	_, err := c.send(c.ctx, &transport.Operation{
		Kind:      transport.OpMethodResponse,
		RequestID: req.RequestID,
		Status:    res.Status,
		Payload:   res.Payload,
	})
	if err != nil {
		c.log.WithError(err).Warnf("responding to method %s", req.Name)
	}
}

func (c *Client) callMethod(h MethodHandler, req MethodRequest) (res MethodResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("method handler %s panicked: %v", req.Name, r)
			res = MethodResponse{Status: http.StatusInternalServerError, Payload: []byte("null")}
		}
	}()
	return h(c.ctx, req)
}

func (c *Client) dispatchMessages() {
	defer c.wg.Done()
	for {
		closed, msg := c.messageQueue.Pop()
		if closed {
			return
		}
		c.methodsMu.RLock()
		h := c.onMessage
		c.methodsMu.RUnlock()
		if h == nil {
			c.log.Debugf("no message handler, dropping %s", msg.MessageID)
			continue
		}
		h(msg)
	}
}
