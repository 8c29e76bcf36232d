// Package mqtt carries device operations over MQTT 3.1.1, either on a TLS
// connection to port 8883 or tunnelled through a WebSocket.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
)

const (
	defaultKeepAlive     = 4 * time.Minute
	defaultSubAckTimeout = 30 * time.Second
)

// Binding opens MQTT sessions. Paho's own reconnect logic is switched off;
// recovery belongs to the caller.
type Binding struct {
	WebSocket bool
	// Dialer overrides how the network connection is established.
	Dialer    transport.Dialer
	KeepAlive time.Duration

	log *log.Entry
}

// NewBinding returns an MQTT binding, tunnelled through a WebSocket when
// webSocket is set.
func NewBinding(webSocket bool, logger *log.Entry) *Binding {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Binding{WebSocket: webSocket, KeepAlive: defaultKeepAlive, log: logger}
}

func (b *Binding) Kind() transport.Kind {
	if b.WebSocket {
		return transport.MqttWebSocket
	}
	return transport.MqttTCP
}

func (b *Binding) dialer(opts transport.OpenOptions) transport.Dialer {
	if b.Dialer != nil {
		return b.Dialer
	}
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{ServerName: opts.HostName, MinVersion: tls.VersionTLS12}
	}
	if b.WebSocket {
		return &transport.WebsocketDialer{
			URL:          transport.HubWebsocketURL(opts.HostName),
			TLSConfig:    cfg,
			Subprotocols: []string{"mqtt"},
			Header:       http.Header{},
		}
	}
	return &transport.TCPDialer{Host: net.JoinHostPort(opts.HostName, "8883"), TLSConfig: cfg}
}

func (b *Binding) Open(ctx context.Context, opts transport.OpenOptions) (transport.Session, error) {
	dialer := b.dialer(opts)
	logger := b.log.WithFields(log.Fields{"transport": b.Kind(), "device": clientID(opts)})
	s := newSession(opts, logger)

	co := paho.NewClientOptions()
	// the broker URL is informational, connections come from the dialer
	co.AddBroker("tls://" + net.JoinHostPort(opts.HostName, "8883"))
	co.SetClientID(clientID(opts))
	co.SetUsername(username(opts))
	co.SetPassword(opts.Credential.Token)
	co.SetProtocolVersion(4)
	co.SetCleanSession(false)
	co.SetAutoReconnect(false)
	co.SetConnectRetry(false)
	co.SetKeepAlive(b.KeepAlive)
	co.SetConnectTimeout(timeUntil(ctx, time.Minute))
	co.SetCustomOpenConnectionFn(func(_ *url.URL, _ paho.ClientOptions) (net.Conn, error) {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}
		s.setConn(conn)
		return conn, nil
	})
	co.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.connectionLost(err)
	})
	co.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		logger.Debugf("unexpected publish on %s", m.Topic())
	})

	client := paho.NewClient(co)
	token := client.Connect()
	if err := wait(ctx, token); err != nil {
		s.faults.Shutdown()
		if ctx.Err() != nil {
			// the handshake may still complete in the background
			go func() {
				token.Wait()
				client.Disconnect(0)
			}()
		}
		return nil, connectError(err)
	}
	s.client = client

	filters := map[string]byte{methodsFilter: 0, twinResFilter: 0}
	if opts.ModuleID == "" {
		filters[c2dFilter(opts)] = 1
	}
	subCtx, cancel := context.WithTimeout(ctx, defaultSubAckTimeout)
	defer cancel()
	if err := wait(subCtx, client.SubscribeMultiple(filters, s.route)); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	logger.Info("mqtt session open")
	return s, nil
}

// connectError translates a refused CONNACK into the transport error
// vocabulary.
func connectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised), errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		return &transport.StatusError{Code: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return &transport.StatusError{Code: http.StatusServiceUnavailable, Message: err.Error()}
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return &transport.StatusError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	return err
}

// wait blocks until the token completes or ctx is done
func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timeUntil(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return fallback
}
