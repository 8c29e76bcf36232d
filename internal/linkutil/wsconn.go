package linkutil

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

type websocketConn struct {
	*websocket.Conn
	r io.Reader
}

// NewWebsocketConn exposes a WebSocket as a byte stream net.Conn. Writes are
// sent as one binary message each; reads span message boundaries.
func NewWebsocketConn(c *websocket.Conn) net.Conn {
	return &websocketConn{Conn: c}
}

func (wsc *websocketConn) Read(p []byte) (int, error) {
	for {
		if wsc.r == nil {
			var err error
			_, wsc.r, err = wsc.NextReader()
			if err != nil {
				return 0, err
			}
		}
		n, err := wsc.r.Read(p)
		if err == io.EOF {
			wsc.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (wsc *websocketConn) Write(p []byte) (int, error) {
	err := wsc.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (wsc *websocketConn) SetDeadline(t time.Time) error {
	if err := wsc.SetReadDeadline(t); err != nil {
		return err
	}

	return wsc.SetWriteDeadline(t)
}
