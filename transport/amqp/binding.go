// Package amqp carries device operations over AMQP 1.0, either on a TLS
// connection to port 5671 or tunnelled through a WebSocket.
package amqp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
)

const (
	defaultIdleTimeout = 4 * time.Minute
	receiverCredit     = 100
)

// Binding opens AMQP sessions: one connection, one session and a fixed set
// of links per Session.
type Binding struct {
	WebSocket bool
	// Dialer overrides how the network connection is established.
	Dialer      transport.Dialer
	IdleTimeout time.Duration

	log *log.Entry
}

// NewBinding returns an AMQP binding, tunnelled through a WebSocket when
// webSocket is set.
func NewBinding(webSocket bool, logger *log.Entry) *Binding {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Binding{WebSocket: webSocket, IdleTimeout: defaultIdleTimeout, log: logger}
}

func (b *Binding) Kind() transport.Kind {
	if b.WebSocket {
		return transport.AmqpWebSocket
	}
	return transport.AmqpTCP
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
			Subprotocols: []string{"AMQPWSB10"},
			Header:       http.Header{},
		}
	}
	return &transport.TCPDialer{Host: net.JoinHostPort(opts.HostName, "5671"), TLSConfig: cfg}
}

func (b *Binding) Open(ctx context.Context, opts transport.OpenOptions) (transport.Session, error) {
	logger := b.log.WithFields(log.Fields{"transport": b.Kind(), "device": opts.DeviceID})

	netConn, err := b.dialer(opts).Dial(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.NewConn(ctx, netConn, &amqp.ConnOptions{
		HostName:    opts.HostName,
		IdleTimeout: b.IdleTimeout,
		SASLType:    amqp.SASLTypePlain(saslUser(opts), opts.Credential.Token),
		Properties:  map[string]any{clientVersionProperty: clientVersion},
	})
	if err != nil {
		netConn.Close()
		return nil, openError(err)
	}

	s := newSession(opts, netConn, conn, logger)
	if err := s.attach(ctx, conn); err != nil {
		s.Close()
		return nil, openError(err)
	}
	s.start()

	logger.Info("amqp session open")
	return s, nil
}

// attach creates the AMQP session and every link the device uses
func (s *session) attach(ctx context.Context, conn *amqp.Conn) error {
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		return err
	}
	s.amqpSession = sess

	telemetry, err := sess.NewSender(ctx, telemetryAddress(s.opts), &amqp.SenderOptions{
		Properties: linkProperties(s.opts, ""),
	})
	if err != nil {
		return err
	}
	s.telemetry = telemetry

	methodsID := "methods:" + s.opts.DeviceID
	methodReq, err := sess.NewReceiver(ctx, methodsAddress(s.opts), &amqp.ReceiverOptions{
		Credit:     receiverCredit,
		Properties: linkProperties(s.opts, methodsID),
	})
	if err != nil {
		return err
	}
	s.methodReq = methodReq
	methodResp, err := sess.NewSender(ctx, methodsAddress(s.opts), &amqp.SenderOptions{
		Properties: linkProperties(s.opts, methodsID),
	})
	if err != nil {
		return err
	}
	s.methodResp = methodResp

	twinID := "twin:" + uuid.NewString()
	twinRecv, err := sess.NewReceiver(ctx, twinAddress(s.opts), &amqp.ReceiverOptions{
		Credit:     receiverCredit,
		Properties: linkProperties(s.opts, twinID),
	})
	if err != nil {
		return err
	}
	s.twinRecv = twinRecv
	twinSend, err := sess.NewSender(ctx, twinAddress(s.opts), &amqp.SenderOptions{
		Properties: linkProperties(s.opts, twinID),
	})
	if err != nil {
		return err
	}
	s.twinSend = twinSend

	// modules have no cloud-to-device queue
	if s.opts.ModuleID == "" {
		c2d, err := sess.NewReceiver(ctx, c2dAddress(s.opts), &amqp.ReceiverOptions{
			Credit:     receiverCredit,
			Properties: linkProperties(s.opts, ""),
		})
		if err != nil {
			return err
		}
		s.c2d = c2d
	}
	return nil
}
