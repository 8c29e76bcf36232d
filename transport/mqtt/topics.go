package mqtt

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/srishina/devicelink/transport"
)

const (
	methodPostPrefix = "$iothub/methods/POST/"
	methodsFilter    = "$iothub/methods/POST/#"
	twinResPrefix    = "$iothub/twin/res/"
	twinResFilter    = "$iothub/twin/res/#"
)

func clientID(opts transport.OpenOptions) string {
	if opts.ModuleID != "" {
		return opts.DeviceID + "/" + opts.ModuleID
	}
	return opts.DeviceID
}

func username(opts transport.OpenOptions) string {
	return fmt.Sprintf("%s/%s/?api-version=%s", opts.HostName, clientID(opts), url.QueryEscape(opts.APIVersion))
}

func telemetryTopic(opts transport.OpenOptions, op *transport.Operation) string {
	var b strings.Builder
	b.WriteString("devices/")
	b.WriteString(opts.DeviceID)
	if opts.ModuleID != "" {
		b.WriteString("/modules/")
		b.WriteString(opts.ModuleID)
	}
	b.WriteString("/messages/events/")

	// system properties keep their literal $. prefix
	var bag []string
	if op.MessageID != "" {
		bag = append(bag, "$.mid="+url.QueryEscape(op.MessageID))
	}
	if op.ContentType != "" {
		bag = append(bag, "$.ct="+url.QueryEscape(op.ContentType))
	}
	user := url.Values{}
	for k, v := range op.Properties {
		user.Set(k, v)
	}
	if len(user) > 0 {
		bag = append(bag, user.Encode())
	}
	b.WriteString(strings.Join(bag, "&"))
	return b.String()
}

func c2dFilter(opts transport.OpenOptions) string {
	return "devices/" + opts.DeviceID + "/messages/devicebound/#"
}

func methodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, url.QueryEscape(rid))
}

func twinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + url.QueryEscape(rid)
}

func twinPatchTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + url.QueryEscape(rid)
}

// parseMethodTopic parses $iothub/methods/POST/{name}/?$rid={rid}
func parseMethodTopic(topic string) (name, rid string, err error) {
	rest := strings.TrimPrefix(topic, methodPostPrefix)
	i := strings.Index(rest, "/?")
	if i < 0 {
		return "", "", fmt.Errorf("malformed method topic %q", topic)
	}
	q, err := url.ParseQuery(rest[i+2:])
	if err != nil {
		return "", "", fmt.Errorf("malformed method topic %q: %w", topic, err)
	}
	return rest[:i], q.Get("$rid"), nil
}

// parseTwinResponseTopic parses $iothub/twin/res/{status}/?$rid={rid}&$version={v}
func parseTwinResponseTopic(topic string) (status int, rid string, version int, err error) {
	rest := strings.TrimPrefix(topic, twinResPrefix)
	i := strings.Index(rest, "/?")
	if i < 0 {
		return 0, "", 0, fmt.Errorf("malformed twin response topic %q", topic)
	}
	if status, err = strconv.Atoi(rest[:i]); err != nil {
		return 0, "", 0, fmt.Errorf("malformed twin status in %q: %w", topic, err)
	}
	q, err := url.ParseQuery(rest[i+2:])
	if err != nil {
		return 0, "", 0, fmt.Errorf("malformed twin response topic %q: %w", topic, err)
	}
	if v := q.Get("$version"); v != "" {
		version, _ = strconv.Atoi(v)
	}
	return status, q.Get("$rid"), version, nil
}

// parseC2DProperties decodes the property bag following devicebound/
func parseC2DProperties(opts transport.OpenOptions, topic string) (messageID string, props map[string]string) {
	prefix := "devices/" + opts.DeviceID + "/messages/devicebound/"
	q, err := url.ParseQuery(strings.TrimPrefix(topic, prefix))
	if err != nil {
		return "", nil
	}
	props = make(map[string]string, len(q))
	for k := range q {
		if k == "$.mid" {
			messageID = q.Get(k)
			continue
		}
		props[k] = q.Get(k)
	}
	return messageID, props
}
