package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srishina/devicelink/internal/linkutil"
)

// Dialer establishes the network connection a binding speaks its protocol
// over. TCPDialer and WebsocketDialer are provided; tests supply their own.
type Dialer interface {
	Address() string
	Dial(ctx context.Context) (net.Conn, error)
}

// TCPDialer dials a plain TCP connection, upgraded to TLS when TLSConfig is
// set.
type TCPDialer struct {
	Host      string
	TLSConfig *tls.Config
}

// Address the host:port dialed
func (t *TCPDialer) Address() string {
	return t.Host
}

// Dial connects to Host
func (t *TCPDialer) Dial(ctx context.Context) (net.Conn, error) {
	if t.TLSConfig != nil {
		dialer := tls.Dialer{Config: t.TLSConfig}
		return dialer.DialContext(ctx, "tcp", t.Host)
	}
	dialer := net.Dialer{}
	return dialer.DialContext(ctx, "tcp", t.Host)
}

// WebsocketDialer dials a WebSocket and exposes it as a net.Conn carrying
// binary frames.
type WebsocketDialer struct {
	URL          string
	TLSConfig    *tls.Config
	Subprotocols []string
	Header       http.Header
}

// Address the WebSocket URL
func (w *WebsocketDialer) Address() string {
	return w.URL
}

// Dial performs the WebSocket handshake
func (w *WebsocketDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: false,
		TLSClientConfig:   w.TLSConfig,
		Subprotocols:      w.Subprotocols,
	}
	header := w.Header
	if header == nil {
		header = http.Header{}
	}
	ws, _, err := dialer.DialContext(ctx, w.URL, header)
	if err != nil {
		return nil, err
	}
	return linkutil.NewWebsocketConn(ws), nil
}

// HubWebsocketURL is the hub's WebSocket endpoint for host.
func HubWebsocketURL(host string) string {
	return "wss://" + host + "/$iothub/websocket"
}
