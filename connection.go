package devicelink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/internal/linkutil"
	"github.com/srishina/devicelink/transport"
	"golang.org/x/sync/singleflight"
)

// generation is one live session. It is replaced wholesale on reconnect and
// never mutated after creation.
type generation struct {
	id      uint64
	session transport.Session
	ids     *linkutil.IDGenerator
}

// connection is the state machine tracking whether the channel to the hub
// is usable. All state lives behind mu; every transition emits exactly one
// Status while mu is held, so subscribers see transitions in order.
type connection struct {
	binding     transport.Binding
	credentials transport.CredentialProvider
	openOpts    transport.OpenOptions
	policy      RetryPolicy
	openTimeout time.Duration
	emitter     *statusEmitter
	metrics     *connMetrics
	log         *log.Entry

	mu       sync.Mutex
	state    ConnectionState
	current  *generation
	retired  []*generation
	gen      uint64
	opened   bool
	lastErr  error
	closeErr error
	changed  chan struct{}
	closeCh  chan struct{}
	lifetime context.Context
	cancel   context.CancelFunc

	recovery singleflight.Group
	wg       sync.WaitGroup
}

func newConnection(b transport.Binding, creds transport.CredentialProvider, openOpts transport.OpenOptions,
	policy RetryPolicy, openTimeout time.Duration, emitter *statusEmitter, logger *log.Entry) *connection {
	lifetime, cancel := context.WithCancel(context.Background())
	return &connection{
		binding:     b,
		credentials: creds,
		openOpts:    openOpts,
		policy:      policy,
		openTimeout: openTimeout,
		emitter:     emitter,
		metrics:     newConnMetrics(logger),
		log:         logger,
		state:       StateDisconnected,
		changed:     make(chan struct{}),
		closeCh:     make(chan struct{}),
		lifetime:    lifetime,
		cancel:      cancel,
	}
}

// transition must be called with mu held.
func (c *connection) transition(to ConnectionState, reason StatusReason, err error) {
	from := c.state
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})

	c.log.WithFields(log.Fields{"from": from, "to": to, "reason": reason, "generation": c.gen}).Info("connection state changed")
	c.metrics.transition(to, reason)
	c.emitter.emit(Status{State: to, Reason: reason, Err: err, Generation: c.gen})
}

func (c *connection) getState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// open moves Disconnected -> Connecting and drives the connection until it
// is Connected or recovery gave up.
func (c *connection) open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.opened = true
	c.lastErr = nil
	c.transition(StateConnecting, ReasonClientOpen, nil)
	c.mu.Unlock()

	return c.establish(ctx, time.Now(), nil)
}

// establish runs open attempts until a session is live. It is entered in
// Connecting (first attempt immediately) or DisconnectedRetrying (backoff
// first, lastErr is the fault that got us there).
func (c *connection) establish(ctx context.Context, start time.Time, lastErr error) error {
	class := ClassRetryable
	if lastErr != nil {
		class = Classify(lastErr)
	}

	c.mu.Lock()
	retrying := c.state == StateDisconnectedRetrying
	c.mu.Unlock()

	attempt := 0
	for {
		if retrying {
			attempt++
			d := c.policy.Decide(attempt, time.Since(start), class)
			if !d.Retry {
				return c.giveUp(d, class, attempt, lastErr)
			}
			c.log.Debugf("reconnecting in %v (attempt %d)", d.Delay, attempt+1)
			if err := c.sleep(ctx, d.Delay); err != nil {
				return c.abandon(err)
			}

			c.mu.Lock()
			if c.state != StateDisconnectedRetrying {
				c.mu.Unlock()
				return c.terminalErr()
			}
			c.transition(StateConnecting, ReasonCommunicationError, nil)
			c.mu.Unlock()
			c.metrics.reconnect()
		}

		err := c.attemptOpen(ctx)
		if err == nil {
			return nil
		}
		lastErr = classified("open", attempt+1, err)
		class = Classify(lastErr)
		c.log.WithError(err).Warnf("open failed (%s)", class)

		c.mu.Lock()
		if c.state != StateConnecting {
			c.mu.Unlock()
			return c.terminalErr()
		}
		c.lastErr = lastErr
		switch class {
		case ClassRetryable, ClassNotFound:
			c.transition(StateDisconnectedRetrying, ReasonCommunicationError, lastErr)
			retrying = true
			c.mu.Unlock()
		default:
			c.transition(StateDisconnected, reasonFor(class), lastErr)
			retired := c.detachLocked()
			c.mu.Unlock()
			closeGenerations(retired, c.log)
			return lastErr
		}
	}
}

// giveUp is the only automatic terminal transition:
// DisconnectedRetrying -> Closed.
func (c *connection) giveUp(d Decision, class Class, attempts int, lastErr error) error {
	err := &Error{Class: ClassTimeout, Op: "connect", Attempts: attempts, Err: lastErr}
	if lastErr == nil {
		err.Err = ErrNotConnected
	}
	reason := ReasonRetryExpired
	if d.Reason != GiveUpBudget && (class == ClassSecurity || class == ClassNotFound) {
		reason = reasonFor(class)
	}

	c.mu.Lock()
	if c.state != StateDisconnectedRetrying {
		c.mu.Unlock()
		return c.terminalErr()
	}
	c.closeErr = err
	c.lastErr = err
	c.transition(StateClosed, reason, err)
	gens := c.shutdownLocked()
	c.mu.Unlock()

	c.log.WithError(lastErr).Error("connection lost, recovery gave up")
	closeGenerations(gens, c.log)
	return err
}

// abandon handles the caller's context ending while an Open was still
// retrying.
func (c *connection) abandon(cause error) error {
	err := classified("open", 0, cause)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting || c.state == StateDisconnectedRetrying {
		c.lastErr = err
		c.transition(StateDisconnected, ReasonCommunicationError, err)
	}
	if errors.Is(cause, ErrClosed) {
		return c.terminalErrLocked()
	}
	return err
}

func (c *connection) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) attemptOpen(ctx context.Context) error {
	opts := c.openOpts
	if c.credentials != nil {
		cred, err := c.credentials.Credential(ctx)
		if err != nil {
			return fmt.Errorf("obtaining credential: %w", err)
		}
		opts.Credential = cred
	}

	octx, cancel := context.WithTimeout(ctx, c.openTimeout)
	sess, err := c.binding.Open(octx, opts)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: open timed out after %v", ErrNotConnected, c.openTimeout)
		}
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		sess.Close()
		return c.terminalErr()
	}
	c.gen++
	g := &generation{id: c.gen, session: sess, ids: linkutil.NewIDGenerator()}
	c.current = g
	retired := c.retired
	c.retired = nil
	c.lastErr = nil
	c.transition(StateConnected, ReasonConnectionOK, nil)
	c.mu.Unlock()

	// faulted sessions are closed only once the replacement is live
	closeGenerations(retired, c.log)

	c.wg.Add(1)
	go c.watch(g)
	return nil
}

func (c *connection) watch(g *generation) {
	defer c.wg.Done()
	faults := g.session.Faults()
	for {
		select {
		case ev, ok := <-faults:
			if !ok {
				return
			}
			c.onFault(g, ev)
		case <-c.closeCh:
			return
		}
	}
}

// onFault retires the faulted generation and starts recovery. Faults of
// any scope, including a single link, replace the whole connection.
func (c *connection) onFault(g *generation, ev transport.FaultEvent) {
	c.mu.Lock()
	if c.current != g || c.state != StateConnected {
		c.mu.Unlock()
		c.log.Debugf("ignoring fault of generation %d: %v", g.id, ev)
		return
	}
	c.current = nil
	c.retired = append(c.retired, g)
	err := classified("connection", 0, &transport.FaultError{Event: ev})
	c.lastErr = err
	c.transition(StateDisconnectedRetrying, ReasonCommunicationError, err)
	c.mu.Unlock()

	c.log.WithFields(log.Fields{"generation": g.id, "inflight": g.ids.InUse()}).Warnf("transport fault: %v", ev)
	c.metrics.fault(ev)

	// keyed by the faulted generation: a fault of the next generation must
	// start its own recovery even while this one is still returning
	key := recoveryKey(g.id)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recovery.Do(key, func() (interface{}, error) {
			return nil, c.establish(c.lifetime, time.Now(), err)
		})
	}()
}

// awaitSession returns the current generation, waiting while the
// connection is being (re)established.
func (c *connection) awaitSession(ctx context.Context) (*generation, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			g := c.current
			c.mu.Unlock()
			return g, nil
		case StateClosed:
			err := c.terminalErrLocked()
			c.mu.Unlock()
			return nil, err
		case StateDisconnected:
			err := c.lastErr
			opened := c.opened
			c.mu.Unlock()
			if !opened {
				return nil, ErrNotOpen
			}
			if err == nil {
				err = ErrNotConnected
			}
			return nil, err
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// current returns the live generation or nil.
func (c *connection) currentGeneration() *generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// close is idempotent: * -> Closed.
func (c *connection) close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.wg.Wait()
		return nil
	}
	c.closeErr = ErrClosed
	c.transition(StateClosed, ReasonClientClose, nil)
	gens := c.shutdownLocked()
	c.mu.Unlock()

	closeGenerations(gens, c.log)
	c.wg.Wait()
	return nil
}

// shutdownLocked stops background work and hands back every session still
// owned. Must be called with mu held, after moving to Closed.
func (c *connection) shutdownLocked() []*generation {
	gens := c.detachLocked()
	close(c.closeCh)
	c.cancel()
	return gens
}

func (c *connection) detachLocked() []*generation {
	gens := c.retired
	c.retired = nil
	if c.current != nil {
		gens = append(gens, c.current)
		c.current = nil
	}
	return gens
}

func (c *connection) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErrLocked()
}

func (c *connection) terminalErrLocked() error {
	if c.state == StateClosed && c.closeErr != nil {
		return c.closeErr
	}
	if c.lastErr != nil {
		return c.lastErr
	}
	return ErrClosed
}

func closeGenerations(gens []*generation, logger *log.Entry) {
	for _, g := range gens {
		if err := g.session.Close(); err != nil {
			logger.WithError(err).Debugf("closing session of generation %d", g.id)
		}
	}
}

func recoveryKey(gen uint64) string {
	return "recover-" + strconv.FormatUint(gen, 10)
}

func reasonFor(class Class) StatusReason {
	switch class {
	case ClassSecurity:
		return ReasonBadCredential
	case ClassNotFound:
		return ReasonDeviceDisabled
	default:
		return ReasonCommunicationError
	}
}
