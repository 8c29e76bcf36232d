package devicelink

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// handler is one stage of the operation pipeline. Every stage forwards to
// the next one; the chain is error -> retry -> routing.
type handler interface {
	handle(ctx context.Context, op *transport.Operation) (*transport.Response, error)
}

func newPipeline(conn *connection, policy RetryPolicy, timeout time.Duration, logger *log.Entry) handler {
	routing := &routingHandler{conn: conn}
	retry := &retryHandler{
		next:    routing,
		policy:  policy,
		timeout: timeout,
		tracer:  otel.Tracer(instrumentationName),
		log:     logger,
	}
	return &errorHandler{next: retry}
}

// errorHandler guarantees that nothing leaves the pipeline unclassified.
type errorHandler struct {
	next handler
}

func (h *errorHandler) handle(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	resp, err := h.next.handle(ctx, op)
	if err != nil {
		return nil, classified(op.Kind.String(), op.Attempt, err)
	}
	return resp, nil
}

// retryHandler resubmits failed attempts as long as the policy allows.
// It keeps no state between operations.
type retryHandler struct {
	next    handler
	policy  RetryPolicy
	timeout time.Duration
	tracer  trace.Tracer
	log     *log.Entry
}

func (h *retryHandler) handle(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		op.Deadline = deadline
	}

	start := time.Now()
	for attempt := 1; ; attempt++ {
		op.Attempt = attempt
		resp, err := h.attempt(ctx, op)
		if err == nil {
			return resp, nil
		}

		class := Classify(err)
		if class == ClassTimeout || ctx.Err() != nil {
			return nil, &Error{Class: ClassTimeout, Op: op.Kind.String(), Attempts: attempt, Err: err}
		}

		d := h.policy.Decide(attempt, time.Since(start), class)
		if !d.Retry {
			if d.Reason == GiveUpBudget {
				class = ClassTimeout
			}
			return nil, &Error{Class: class, Op: op.Kind.String(), Attempts: attempt, Err: err}
		}

		h.log.WithFields(log.Fields{"operation": op.ID, "attempt": attempt, "class": class}).
			Debugf("%s failed, retrying in %v: %v", op.Kind, d.Delay, err)
		op.Delay = d.Delay

		timer := time.NewTimer(d.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &Error{Class: ClassTimeout, Op: op.Kind.String(), Attempts: attempt, Err: err}
		}
	}
}

func (h *retryHandler) attempt(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	ctx, span := h.tracer.Start(ctx, "devicelink."+op.Kind.String(), trace.WithAttributes(
		attribute.String("devicelink.operation.id", op.ID),
		attribute.Int("devicelink.operation.attempt", op.Attempt)))
	defer span.End()

	resp, err := h.next.handle(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
		return nil, err
	}
	return resp, nil
}

// routingHandler hands the operation to the session that is current when
// the attempt starts, waiting while the connection recovers. The
// correlation id is issued by that session's generation and released when
// the attempt completes.
type routingHandler struct {
	conn *connection
}

func (h *routingHandler) handle(ctx context.Context, op *transport.Operation) (*transport.Response, error) {
	g, err := h.conn.awaitSession(ctx)
	if err != nil {
		return nil, err
	}

	id := g.ids.NextID()
	defer g.ids.FreeID(id)
	op.CorrelationID = id

	return g.session.Send(ctx, op)
}
