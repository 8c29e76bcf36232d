package devicelink

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/srishina/devicelink"

type connMetrics struct {
	transitions metric.Int64Counter
	reconnects  metric.Int64Counter
	faults      metric.Int64Counter
}

func newConnMetrics(logger *log.Entry) *connMetrics {
	meter := otel.Meter(instrumentationName)
	return &connMetrics{
		transitions: counter(meter, logger, "devicelink.connection.transitions", "Connection state transitions"),
		reconnects:  counter(meter, logger, "devicelink.connection.reconnects", "Reconnect attempts"),
		faults:      counter(meter, logger, "devicelink.connection.faults", "Transport faults reported by the current session"),
	}
}

func counter(meter metric.Meter, logger *log.Entry, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.WithError(err).Warnf("unable to create counter %s", name)
		return noop.Int64Counter{}
	}
	return c
}

func (m *connMetrics) transition(to ConnectionState, reason StatusReason) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("state", to.String()),
		attribute.String("reason", reason.String())))
}

func (m *connMetrics) reconnect() {
	m.reconnects.Add(context.Background(), 1)
}

func (m *connMetrics) fault(ev transport.FaultEvent) {
	m.faults.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("scope", ev.Scope.String()),
		attribute.String("cause", ev.Cause.String())))
}
