package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Discovery modes for the worker registry
const (
	DiscoveryKubernetes = "kubernetes"
	DiscoveryStatic     = "static"
)

// Config holds all configuration options for the orchestrator.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
type Config struct {
	// Identity
	ServiceName string
	Port        int

	// Bus configuration
	Bus BusConfig

	// Worker registry configuration
	Registry RegistryConfig

	// Request store configuration
	Store StoreConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Path to an optional YAML file with extra workflow templates
	// and the legacy response topic list
	WorkflowsFile string
}

// BusConfig contains message bus connection settings
type BusConfig struct {
	Brokers       []string
	ClientID      string
	GroupID       string
	ReconnectWait time.Duration
}

// RegistryConfig contains worker discovery and health probing settings
type RegistryConfig struct {
	// Mode is "kubernetes" or "static"
	Mode string
	// Namespace scopes kubernetes service discovery
	Namespace string
	// DiscoveryInterval is how often the kubernetes provider re-lists services
	DiscoveryInterval time.Duration
	// HealthCheckInterval is how often every known worker is probed
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds a single probe
	HealthCheckTimeout time.Duration
	// StaticTypes lists worker types resolved from <TYPE>_WORKER_URL in static mode
	StaticTypes []string
}

// StoreConfig contains request store connection settings
type StoreConfig struct {
	// RedisURL is the production store connection string.
	// Empty selects the in-memory store.
	RedisURL string
}

// SchedulerConfig contains scheduling and backpressure settings
type SchedulerConfig struct {
	// Tick drives re-dispatch of READY steps that could not be dispatched
	Tick time.Duration
	// PendingDispatchLimit bounds queued dispatches per worker type
	PendingDispatchLimit int
	// SaturationGrace is how long saturation must persist before
	// admissions start returning 503
	SaturationGrace time.Duration
	// ResponseTopics is the legacy flat response topic list, consumed
	// in addition to the canonical job.responses.<workerType> family
	ResponseTopics []string
}

// Option is a functional option for Config
type Option func(*Config)

// DefaultConfig returns a Config populated with defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "orchestrator",
		Port:        8080,
		Bus: BusConfig{
			ClientID:      "orchestrator",
			GroupID:       "orchestrator",
			ReconnectWait: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Mode:                DiscoveryStatic,
			Namespace:           "default",
			DiscoveryInterval:   30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick:                 time.Second,
			PendingDispatchLimit: 1024,
			SaturationGrace:      30 * time.Second,
			ResponseTopics:       DefaultLegacyResponseTopics(),
		},
	}
}

// DefaultLegacyResponseTopics returns the flat response topics still
// consumed for compatibility. The set is configuration, not code:
// RESPONSE_TOPICS or the workflows file overrides it.
func DefaultLegacyResponseTopics() []string {
	return []string{
		"llm.responses",
		"resume.bullet.evaluate.response",
		"resume.responses",
		"research.responses",
	}
}

// LoadFromEnv applies environment variables on top of current values
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Port = port
	}

	if v := os.Getenv("BUS_BROKERS"); v != "" {
		c.Bus.Brokers = parseStringList(v)
	}
	if v := os.Getenv("BUS_CLIENT_ID"); v != "" {
		c.Bus.ClientID = v
	}
	if v := os.Getenv("BUS_GROUP_ID"); v != "" {
		c.Bus.GroupID = v
	}

	if v := os.Getenv("WORKER_DISCOVERY_MODE"); v != "" {
		c.Registry.Mode = v
	}
	if v := os.Getenv("KUBERNETES_NAMESPACE"); v != "" {
		c.Registry.Namespace = v
	}
	if v := os.Getenv("WORKER_HEALTH_CHECK_INTERVAL"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_HEALTH_CHECK_INTERVAL %q: %w", v, ErrInvalidConfiguration)
		}
		c.Registry.HealthCheckInterval = d
	}
	if v := os.Getenv("WORKER_HEALTH_CHECK_TIMEOUT"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid WORKER_HEALTH_CHECK_TIMEOUT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Registry.HealthCheckTimeout = d
	}
	if v := os.Getenv("WORKER_TYPES"); v != "" {
		c.Registry.StaticTypes = parseStringList(v)
	}

	if v := os.Getenv("REQUEST_STORE_URL"); v != "" {
		c.Store.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}

	if v := os.Getenv("SCHEDULER_TICK"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_TICK %q: %w", v, ErrInvalidConfiguration)
		}
		c.Scheduler.Tick = d
	}
	if v := os.Getenv("PENDING_DISPATCH_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid PENDING_DISPATCH_LIMIT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Scheduler.PendingDispatchLimit = limit
	}
	if v := os.Getenv("SATURATION_GRACE"); v != "" {
		d, err := parseDurationEnv(v)
		if err != nil {
			return fmt.Errorf("invalid SATURATION_GRACE %q: %w", v, ErrInvalidConfiguration)
		}
		c.Scheduler.SaturationGrace = d
	}
	if v := os.Getenv("RESPONSE_TOPICS"); v != "" {
		c.Scheduler.ResponseTopics = parseStringList(v)
	}
	if v := os.Getenv("WORKFLOWS_FILE"); v != "" {
		c.WorkflowsFile = v
	}

	return nil
}

// Validate checks the configuration for fatal startup errors
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name: %w", ErrMissingConfiguration)
	}
	if len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("no bus brokers configured: %w", ErrMissingConfiguration)
	}
	if c.Registry.Mode != DiscoveryKubernetes && c.Registry.Mode != DiscoveryStatic {
		return fmt.Errorf("unknown discovery mode %q: %w", c.Registry.Mode, ErrInvalidConfiguration)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	return nil
}

// NewConfig creates a Config from defaults, environment and options
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithServiceName sets the service name
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithBrokers sets the bus broker list
func WithBrokers(brokers ...string) Option {
	return func(c *Config) {
		c.Bus.Brokers = brokers
	}
}

// WithPort sets the HTTP port
func WithPort(port int) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithDiscoveryMode sets the worker discovery mode
func WithDiscoveryMode(mode string) Option {
	return func(c *Config) {
		c.Registry.Mode = mode
	}
}

// WithRedisURL sets the request store connection string
func WithRedisURL(url string) Option {
	return func(c *Config) {
		c.Store.RedisURL = url
	}
}

// WithResponseTopics overrides the legacy response topic list
func WithResponseTopics(topics ...string) Option {
	return func(c *Config) {
		c.Scheduler.ResponseTopics = topics
	}
}

// parseStringList splits a comma-separated environment value
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseDurationEnv accepts Go duration syntax or bare milliseconds,
// matching the upstream deployment manifests which pass plain numbers
func parseDurationEnv(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
