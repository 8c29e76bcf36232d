package mqtt

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

// mockHub is a minimal IoT hub MQTT endpoint served over net.Pipe
type mockHub struct {
	t *testing.T

	mu          sync.Mutex
	returnCode  byte
	connects    []*packets.ConnectPacket
	subscribed  []string
	conns       []*hubConn
	twinStatus  int
	twinPayload []byte
	twinVersion int

	published chan *packets.PublishPacket
}

type hubConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *hubConn) write(p packets.ControlPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.Write(c.conn)
}

func newMockHub(t *testing.T) *mockHub {
	return &mockHub{
		t:           t,
		returnCode:  packets.Accepted,
		twinStatus:  200,
		twinPayload: []byte(`{"desired":{},"reported":{}}`),
		twinVersion: 1,
		published:   make(chan *packets.PublishPacket, 16),
	}
}

func (h *mockHub) Address() string {
	return "hub.example.net:8883"
}

func (h *mockHub) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	hc := &hubConn{conn: server}
	h.mu.Lock()
	h.conns = append(h.conns, hc)
	h.mu.Unlock()
	go h.serve(hc)
	return client, nil
}

func (h *mockHub) serve(hc *hubConn) {
	defer hc.conn.Close()
	for {
		pkt, err := packets.ReadPacket(hc.conn)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packets.ConnectPacket:
			h.mu.Lock()
			h.connects = append(h.connects, p)
			rc := h.returnCode
			h.mu.Unlock()
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = rc
			if hc.write(ack) != nil || rc != packets.Accepted {
				return
			}
		case *packets.SubscribePacket:
			h.mu.Lock()
			h.subscribed = append(h.subscribed, p.Topics...)
			h.mu.Unlock()
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			ack.ReturnCodes = p.Qoss
			hc.write(ack)
		case *packets.PublishPacket:
			if p.Qos == 1 {
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				hc.write(ack)
			}
			if strings.HasPrefix(p.TopicName, "$iothub/twin/") {
				h.answerTwin(hc, p)
				continue
			}
			select {
			case h.published <- p:
			default:
				h.t.Log("mock hub: dropping publish")
			}
		case *packets.PingreqPacket:
			hc.write(packets.NewControlPacket(packets.Pingresp))
		case *packets.DisconnectPacket:
			return
		}
	}
}

func (h *mockHub) answerTwin(hc *hubConn, p *packets.PublishPacket) {
	q, _ := url.ParseQuery(p.TopicName[strings.Index(p.TopicName, "?")+1:])
	h.mu.Lock()
	status, payload, version := h.twinStatus, h.twinPayload, h.twinVersion
	h.mu.Unlock()

	res := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	res.TopicName = "$iothub/twin/res/" + strconv.Itoa(status) + "/?$rid=" + q.Get("$rid") + "&$version=" + strconv.Itoa(version)
	res.Payload = payload
	hc.write(res)
}

// push sends a publish to the most recent connection
func (h *mockHub) push(topic string, payload []byte) {
	h.mu.Lock()
	hc := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topic
	p.Payload = payload
	require.NoError(h.t, hc.write(p))
}

// drop closes every connection from the hub side
func (h *mockHub) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hc := range h.conns {
		hc.conn.Close()
	}
}

func (h *mockHub) lastConnect() *packets.ConnectPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.connects) == 0 {
		return nil
	}
	return h.connects[len(h.connects)-1]
}

func (h *mockHub) subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.subscribed...)
}
