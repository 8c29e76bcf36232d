// Package http carries telemetry over HTTPS and receives cloud-to-device
// messages by long polling. Direct methods and twin operations need a
// persistent connection and are not available on this transport.
package http

import (
	"context"
	"crypto/tls"
	nethttp "net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/srishina/devicelink/transport"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultRequestTimeout  = time.Minute
	defaultBreakerFailures = 3
	defaultBreakerTimeout  = 30 * time.Second
	userAgent              = "devicelink/1.0"
)

// Binding opens HTTP sessions
type Binding struct {
	// BaseURL overrides https://<host>.
	BaseURL string
	Client  *nethttp.Client
	// PollInterval is the minimum gap between two cloud-to-device polls.
	PollInterval time.Duration
	// BreakerFailures consecutive request failures open the circuit, which
	// faults the session.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	log *log.Entry
}

func NewBinding(logger *log.Entry) *Binding {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Binding{
		PollInterval:    defaultPollInterval,
		BreakerFailures: defaultBreakerFailures,
		BreakerTimeout:  defaultBreakerTimeout,
		log:             logger,
	}
}

func (b *Binding) Kind() transport.Kind {
	return transport.HTTP
}

func (b *Binding) Open(ctx context.Context, opts transport.OpenOptions) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := b.BaseURL
	if base == "" {
		base = "https://" + opts.HostName
	}
	client := b.Client
	if client == nil {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: opts.HostName, MinVersion: tls.VersionTLS12}
		}
		client = &nethttp.Client{
			Timeout:   defaultRequestTimeout,
			Transport: &nethttp.Transport{TLSClientConfig: cfg, Proxy: nethttp.ProxyFromEnvironment},
		}
	}

	logger := b.log.WithFields(log.Fields{"transport": b.Kind(), "device": opts.DeviceID})
	s := newSession(opts, base, client, logger)
	s.limiter = rate.NewLimiter(rate.Every(b.PollInterval), 1)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.DeviceID,
		MaxRequests: 1,
		Timeout:     b.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.BreakerFailures
		},
		IsSuccessful: successful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("circuit breaker %s: %s -> %s", name, from, to)
			if to == gobreaker.StateOpen {
				s.fault(transport.FaultEvent{
					Scope: transport.ScopeConnection,
					Cause: transport.CauseAbruptClose,
					Err:   gobreaker.ErrOpenState,
				})
			}
		},
	})

	if opts.OnMessage != nil && opts.ModuleID == "" {
		s.group.Go(s.poll)
	}
	logger.Info("http session open")
	return s, nil
}
