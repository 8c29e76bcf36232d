package devicelink

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/srishina/devicelink/transport"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the client settings.
type Config struct {
	ConnectionString string        `yaml:"connection_string"`
	Transport        string        `yaml:"transport"`
	APIVersion       string        `yaml:"api_version"`
	RecoveryBudget   time.Duration `yaml:"recovery_budget"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	Retry            RetryConfig   `yaml:"retry"`
	LogLevel         string        `yaml:"log_level"`
}

// RetryConfig tunes the exponential backoff policy.
type RetryConfig struct {
	MinBackoff       time.Duration `yaml:"min_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	DeltaBackoff     time.Duration `yaml:"delta_backoff"`
	NotFoundAttempts int           `yaml:"not_found_attempts"`
	Jitter           float64       `yaml:"jitter"`
}

// DefaultConfig returns the settings a client uses without a file.
func DefaultConfig() *Config {
	return &Config{
		Transport:        transport.AmqpTCP.String(),
		APIVersion:       DefaultAPIVersion,
		RecoveryBudget:   DefaultRecoveryBudget,
		OperationTimeout: defaultClientOptions.operationTimeout,
		OpenTimeout:      defaultClientOptions.openTimeout,
		Retry: RetryConfig{
			MinBackoff:       DefaultMinBackoff,
			MaxBackoff:       DefaultMaxBackoff,
			DeltaBackoff:     DefaultDeltaBackoff,
			NotFoundAttempts: DefaultNotFoundAttempts,
			Jitter:           DefaultJitter,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file. An empty filename yields the
// defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, ok := transport.ParseKind(c.Transport); !ok {
		return fmt.Errorf("transport must be one of amqp, amqp-ws, mqtt, mqtt-ws, http, got %q", c.Transport)
	}
	if c.RecoveryBudget < 0 {
		return fmt.Errorf("recovery_budget cannot be negative")
	}
	if c.OperationTimeout < 0 {
		return fmt.Errorf("operation_timeout cannot be negative")
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be positive")
	}
	if c.Retry.MinBackoff < 0 || c.Retry.DeltaBackoff < 0 || c.Retry.MaxBackoff < c.Retry.MinBackoff {
		return fmt.Errorf("retry backoffs must be non-negative with max_backoff >= min_backoff")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Retry.NotFoundAttempts < 1 {
		return fmt.Errorf("retry.not_found_attempts must be at least 1")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// RetryPolicy builds the backoff policy described by the config.
func (c *Config) RetryPolicy() *ExponentialBackoff {
	return &ExponentialBackoff{
		MinBackoff:       c.Retry.MinBackoff,
		MaxBackoff:       c.Retry.MaxBackoff,
		DeltaBackoff:     c.Retry.DeltaBackoff,
		Budget:           c.RecoveryBudget,
		NotFoundAttempts: c.Retry.NotFoundAttempts,
		Jitter:           c.Retry.Jitter,
	}
}

// Options converts the config into client options.
func (c *Config) Options() []ClientOption {
	kind, _ := transport.ParseKind(c.Transport)
	logger := log.New()
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return []ClientOption{
		WithLogger(logger),
		WithTransport(kind),
		WithAPIVersion(c.APIVersion),
		WithRetryPolicy(c.RetryPolicy()),
		WithOperationTimeout(c.OperationTimeout),
		WithOpenTimeout(c.OpenTimeout),
	}
}
