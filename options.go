package devicelink

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
)

// DefaultAPIVersion is the hub API version sent on every session.
const DefaultAPIVersion = "2020-05-31-preview"

// clientOptions contains configurable settings for a client
type clientOptions struct {
	kind             transport.Kind
	binding          transport.Binding
	policy           RetryPolicy
	recoveryBudget   time.Duration
	operationTimeout time.Duration
	openTimeout      time.Duration
	apiVersion       string
	moduleID         string
	logger           *log.Logger
	credentials      transport.CredentialProvider
	tlsConfig        *tls.Config
}

var defaultClientOptions = clientOptions{
	kind:             transport.AmqpTCP,
	recoveryBudget:   DefaultRecoveryBudget,
	operationTimeout: 4 * time.Minute,
	openTimeout:      time.Minute,
	apiVersion:       DefaultAPIVersion,
}

// ClientOption configures a Client
type ClientOption func(*clientOptions) error

// WithTransport selects the wire protocol, AMQP over TCP by default
func WithTransport(kind transport.Kind) ClientOption {
	return func(c *clientOptions) error {
		if kind < transport.AmqpTCP || kind > transport.HTTP {
			return fmt.Errorf("unknown transport %d", kind)
		}
		c.kind = kind
		return nil
	}
}

// WithBinding replaces the protocol binding altogether. The binding's Kind
// wins over WithTransport.
func WithBinding(b transport.Binding) ClientOption {
	return func(c *clientOptions) error {
		if b == nil {
			return errors.New("binding must not be nil")
		}
		c.binding = b
		c.kind = b.Kind()
		return nil
	}
}

// WithRetryPolicy sets the policy shared by operations and reconnects. It
// takes precedence over WithRecoveryBudget.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *clientOptions) error {
		if p == nil {
			return errors.New("retry policy must not be nil")
		}
		c.policy = p
		return nil
	}
}

// WithRecoveryBudget bounds how long the default policy keeps retrying.
// Zero disables recovery: the first fault closes the client.
func WithRecoveryBudget(d time.Duration) ClientOption {
	return func(c *clientOptions) error {
		if d < 0 {
			return fmt.Errorf("recovery budget must not be negative, got %v", d)
		}
		c.recoveryBudget = d
		return nil
	}
}

// WithOperationTimeout bounds a single operation including its retries.
// Zero leaves only the caller's context.
func WithOperationTimeout(d time.Duration) ClientOption {
	return func(c *clientOptions) error {
		if d < 0 {
			return fmt.Errorf("operation timeout must not be negative, got %v", d)
		}
		c.operationTimeout = d
		return nil
	}
}

// WithOpenTimeout bounds a single attempt to open a session
func WithOpenTimeout(d time.Duration) ClientOption {
	return func(c *clientOptions) error {
		if d <= 0 {
			return fmt.Errorf("open timeout must be positive, got %v", d)
		}
		c.openTimeout = d
		return nil
	}
}

// WithAPIVersion overrides DefaultAPIVersion
func WithAPIVersion(v string) ClientOption {
	return func(c *clientOptions) error {
		if v == "" {
			return errors.New("api version must not be empty")
		}
		c.apiVersion = v
		return nil
	}
}

// WithModuleID addresses a module identity of the device
func WithModuleID(id string) ClientOption {
	return func(c *clientOptions) error {
		c.moduleID = id
		return nil
	}
}

// WithLogger sets the logger, log.StandardLogger() by default
func WithLogger(l *log.Logger) ClientOption {
	return func(c *clientOptions) error {
		c.logger = l
		return nil
	}
}

// WithCredentialProvider sets where session credentials come from. The
// provider is asked on every open, so it can renew expiring tokens.
func WithCredentialProvider(p transport.CredentialProvider) ClientOption {
	return func(c *clientOptions) error {
		c.credentials = p
		return nil
	}
}

// WithTLSConfig overrides the TLS settings of TCP and WebSocket dials
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *clientOptions) error {
		c.tlsConfig = cfg
		return nil
	}
}

func (c *clientOptions) retryPolicy() RetryPolicy {
	if c.policy != nil {
		return c.policy
	}
	return NewExponentialBackoff(c.recoveryBudget)
}
