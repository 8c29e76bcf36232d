package amqp

import (
	"fmt"
	"strings"

	amqp "github.com/Azure/go-amqp"
	"github.com/srishina/devicelink/transport"
)

const (
	apiVersionProperty    = "com.microsoft:api-version"
	channelCorrelationKey = "com.microsoft:channel-correlation-id"
	clientVersionProperty = "com.microsoft:client-version"
	methodNameProperty    = "IoThub-methodname"
	methodStatusProperty  = "IoThub-status"
	twinOperationKey      = "operation"
	twinResourceKey       = "resource"
	twinStatusKey         = "status"
	twinVersionKey        = "version"
	reportedResource      = "/properties/reported"
	clientVersion         = "devicelink/1.0"
)

// saslUser is deviceId@sas.<hub name>; the hub name is the first label of
// the host name.
func saslUser(opts transport.OpenOptions) string {
	hub := opts.HostName
	if i := strings.IndexByte(hub, '.'); i > 0 {
		hub = hub[:i]
	}
	return opts.DeviceID + "@sas." + hub
}

func basePath(opts transport.OpenOptions) string {
	if opts.ModuleID != "" {
		return "/devices/" + opts.DeviceID + "/modules/" + opts.ModuleID
	}
	return "/devices/" + opts.DeviceID
}

func telemetryAddress(opts transport.OpenOptions) string {
	return basePath(opts) + "/messages/events"
}

func c2dAddress(opts transport.OpenOptions) string {
	return basePath(opts) + "/messages/devicebound"
}

func methodsAddress(opts transport.OpenOptions) string {
	return basePath(opts) + "/methods/devicebound"
}

func twinAddress(opts transport.OpenOptions) string {
	return basePath(opts) + "/twin"
}

func linkProperties(opts transport.OpenOptions, correlationID string) map[string]any {
	props := map[string]any{
		apiVersionProperty:    opts.APIVersion,
		clientVersionProperty: clientVersion,
	}
	if correlationID != "" {
		props[channelCorrelationKey] = correlationID
	}
	return props
}

func telemetryMessage(op *transport.Operation) *amqp.Message {
	msg := amqp.NewMessage(op.Payload)
	msg.Properties = &amqp.MessageProperties{}
	if op.MessageID != "" {
		msg.Properties.MessageID = op.MessageID
	}
	if op.ContentType != "" {
		ct := op.ContentType
		msg.Properties.ContentType = &ct
	}
	if len(op.Properties) > 0 {
		msg.ApplicationProperties = make(map[string]any, len(op.Properties))
		for k, v := range op.Properties {
			msg.ApplicationProperties[k] = v
		}
	}
	return msg
}

func methodResponseMessage(op *transport.Operation) *amqp.Message {
	msg := amqp.NewMessage(op.Payload)
	msg.Properties = &amqp.MessageProperties{CorrelationID: op.RequestID}
	msg.ApplicationProperties = map[string]any{methodStatusProperty: int32(op.Status)}
	return msg
}

func twinRequestMessage(op *transport.Operation) *amqp.Message {
	msg := amqp.NewMessage(op.Payload)
	msg.Properties = &amqp.MessageProperties{CorrelationID: op.CorrelationID}
	msg.Annotations = amqp.Annotations{twinOperationKey: "GET"}
	if op.Kind == transport.OpPatchTwin {
		msg.Annotations[twinOperationKey] = "PATCH"
		msg.Annotations[twinResourceKey] = reportedResource
	}
	return msg
}

func payload(msg *amqp.Message) []byte {
	if len(msg.Data) == 1 {
		return msg.Data[0]
	}
	var b []byte
	for _, d := range msg.Data {
		b = append(b, d...)
	}
	return b
}

func correlationID(msg *amqp.Message) string {
	if msg.Properties == nil || msg.Properties.CorrelationID == nil {
		return ""
	}
	return fmt.Sprint(msg.Properties.CorrelationID)
}

func parseMethodRequest(msg *amqp.Message) (transport.MethodRequest, error) {
	name, _ := msg.ApplicationProperties[methodNameProperty].(string)
	rid := correlationID(msg)
	if name == "" || rid == "" {
		return transport.MethodRequest{}, fmt.Errorf("method request without name or correlation id")
	}
	return transport.MethodRequest{RequestID: rid, Name: name, Payload: payload(msg)}, nil
}

func parseTwinResponse(msg *amqp.Message) (rid string, resp *transport.Response) {
	resp = &transport.Response{Payload: payload(msg)}
	if v, ok := toInt(msg.Annotations[twinStatusKey]); ok {
		resp.Status = v
	}
	if v, ok := toInt(msg.Annotations[twinVersionKey]); ok {
		resp.Version = v
	}
	return correlationID(msg), resp
}

func parseMessage(msg *amqp.Message) transport.Message {
	m := transport.Message{Payload: payload(msg)}
	if msg.Properties != nil && msg.Properties.MessageID != nil {
		m.MessageID = fmt.Sprint(msg.Properties.MessageID)
	}
	if len(msg.ApplicationProperties) > 0 {
		m.Properties = make(map[string]string, len(msg.ApplicationProperties))
		for k, v := range msg.ApplicationProperties {
			m.Properties[k] = fmt.Sprint(v)
		}
	}
	return m
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}
