package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName              = "topicbus"
	DefaultIntrospectionPort = 8081
)

// Config groups the optional bus settings. The zero value is valid and yields
// a bus with no HTTP surface, no metrics, no tracing and unbounded async
// publishing.
type Config struct {
	// Name identifies the bus in logs, metrics and bridged CloudEvents.
	Name string `yaml:"name" toml:"name"`

	// AsyncConcurrency caps the number of PublishAsync sweeps running at once.
	// Zero means unlimited.
	AsyncConcurrency int `yaml:"async_concurrency" toml:"async_concurrency"`

	// LogDeliveries logs every handler invocation at debug level.
	LogDeliveries bool `yaml:"log_deliveries" toml:"log_deliveries"`

	// TracingEnabled wraps every handler invocation in an OpenTelemetry span.
	TracingEnabled bool `yaml:"tracing_enabled" toml:"tracing_enabled"`

	// Metrics configuration.
	MetricsEnabled bool `yaml:"metrics_enabled" toml:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed by Serve.
	// Zero registers the collectors without an HTTP endpoint.
	MetricsPort int `yaml:"metrics_port" toml:"metrics_port"`

	// Introspection API configuration.
	IntrospectionEnabled bool `yaml:"introspection_enabled" toml:"introspection_enabled"`
	// IntrospectionPort defaults to 8081.
	IntrospectionPort int `yaml:"introspection_port" toml:"introspection_port"`
	// IntrospectionCORSAllowedOrigins lists allowed origins. Use "*" for
	// development. Empty disables CORS headers.
	IntrospectionCORSAllowedOrigins []string `yaml:"introspection_cors_allowed_origins" toml:"introspection_cors_allowed_origins"`
	// IntrospectionToken, when set, must be presented as a bearer token.
	IntrospectionToken string `yaml:"introspection_token" toml:"introspection_token"`
	// IntrospectionRateLimit caps requests per minute and client IP. Zero disables it.
	IntrospectionRateLimit int `yaml:"introspection_rate_limit" toml:"introspection_rate_limit"`
}

func (c Config) String() string {
	copy := c
	if copy.IntrospectionToken != "" {
		copy.IntrospectionToken = "***REDACTED***"
	}
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(copy))
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultName
	}
	if c.IntrospectionEnabled && c.IntrospectionPort == 0 {
		c.IntrospectionPort = DefaultIntrospectionPort
	}
	return c
}

// Validate checks value ranges. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateAsync()...)
	errs = append(errs, c.validatePorts()...)
	errs = append(errs, c.validateIntrospection()...)

	return errors.Join(errs...)
}

func (c *Config) validateAsync() []error {
	if c.AsyncConcurrency < 0 {
		return []error{errors.New("async: concurrency cannot be negative")}
	}
	return nil
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.IntrospectionPort < 0 || c.IntrospectionPort > 65535 {
		errs = append(errs, fmt.Errorf("introspection: invalid port %d", c.IntrospectionPort))
	}
	return errs
}

func (c *Config) validateIntrospection() []error {
	var errs []error
	if c.IntrospectionRateLimit < 0 {
		errs = append(errs, errors.New("introspection: rate limit cannot be negative"))
	}
	for _, origin := range c.IntrospectionCORSAllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, errors.New("introspection: empty CORS origin"))
		}
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// LoadFile reads a YAML (.yaml, .yml) or TOML (.toml) file, applies defaults
// and validates the result.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return nil, fmt.Errorf("decode toml config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
