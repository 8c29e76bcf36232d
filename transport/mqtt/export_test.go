package mqtt

import "github.com/eclipse/paho.mqtt.golang/packets"

// NewMockHub lets tests in mqtt_test drive a Client over the mock hub.
var NewMockHub = newMockHub

func (h *mockHub) Push(topic string, payload []byte) {
	h.push(topic, payload)
}

func (h *mockHub) Published() <-chan *packets.PublishPacket {
	return h.published
}

func (h *mockHub) ConnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connects)
}

func (h *mockHub) Drop() {
	h.drop()
}
