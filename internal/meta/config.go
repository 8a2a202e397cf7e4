package meta

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"

	"dnsproxy/internal/data"
	"dnsproxy/internal/network"
	"dnsproxy/internal/proxy"
)

// Built-in defaults, applied to any option left unspecified by the config file and CLI.
const (
	DefaultListenerAddress     = "0.0.0.0:53"
	DefaultUpstreamAddress     = "8.8.8.8:53"
	DefaultReaders             = 4
	DefaultTimeout             = 2 * time.Second
	DefaultMaxRetries          = 2
	DefaultSweepInterval       = 500 * time.Millisecond
	DefaultLoadBalancingPolicy = "roundrobin"
	DefaultFailurePolicy       = "servfail"
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn"`
}

// LogConfig is a top-level block for log output configuration.
type LogConfig struct {
	// File, if set, receives a copy of every log line in addition to stdout.
	File string `yaml:"file"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *struct {
		Address    string  `yaml:"addr"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"statsd"`
}

// ListenerConfig is a top-level block for the client-facing UDP listener.
type ListenerConfig struct {
	Address      string        `yaml:"addr"`
	Readers      int           `yaml:"readers"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamServer describes parameters for a single upstream resolver.
type UpstreamServer struct {
	Address string `yaml:"addr"`
}

// UpstreamConfig is a top-level block for upstream configuration.
type UpstreamConfig struct {
	Servers             []UpstreamServer `yaml:"servers"`
	LoadBalancingPolicy string           `yaml:"load_balancing_policy"`
	Timeout             time.Duration    `yaml:"timeout"`
	// MaxRetries is a pointer so that an explicit zero, disabling retries, is distinguishable from
	// an omitted value.
	MaxRetries   *int          `yaml:"max_retries"`
	Readers      int           `yaml:"readers"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProxyConfig is a top-level block for session tracking configuration.
type ProxyConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Capacity      int           `yaml:"capacity"`
	FailurePolicy string        `yaml:"failure_policy"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application"`
	Log         *LogConfig         `yaml:"log"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener"`
	Upstream    *UpstreamConfig    `yaml:"upstream"`
	Proxy       *ProxyConfig       `yaml:"proxy"`
}

// NewConfig returns a configuration consisting entirely of built-in defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()

	return cfg
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk. An empty
// path yields the built-in defaults. The returned config has defaults applied but is not yet
// validated, so that callers may layer CLI overrides on top of it before calling Validate.
func ParseConfig(path string) (*Config, error) {
	if path == "" {
		return NewConfig(), nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%v", err)
	}

	var cfg *Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: error parsing config: err=%v", err)
	}

	// An empty document decodes to nil.
	if cfg == nil {
		cfg = &Config{}
	}

	cfg.ApplyDefaults()

	return cfg, nil
}

// ApplyDefaults fills every unspecified option with its built-in default.
func (c *Config) ApplyDefaults() {
	if c.Application == nil {
		c.Application = &ApplicationConfig{}
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}

	/* Listener */

	if c.Listener == nil {
		c.Listener = &ListenerConfig{}
	}

	if c.Listener.Address == "" {
		c.Listener.Address = DefaultListenerAddress
	}

	if c.Listener.Readers == 0 {
		c.Listener.Readers = DefaultReaders
	}

	/* Upstream */

	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{}
	}

	if len(c.Upstream.Servers) == 0 {
		c.Upstream.Servers = []UpstreamServer{{Address: DefaultUpstreamAddress}}
	}

	if c.Upstream.LoadBalancingPolicy == "" {
		c.Upstream.LoadBalancingPolicy = DefaultLoadBalancingPolicy
	}

	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultTimeout
	}

	if c.Upstream.MaxRetries == nil {
		maxRetries := DefaultMaxRetries
		c.Upstream.MaxRetries = &maxRetries
	}

	if c.Upstream.Readers == 0 {
		c.Upstream.Readers = DefaultReaders
	}

	/* Proxy */

	if c.Proxy == nil {
		c.Proxy = &ProxyConfig{}
	}

	if c.Proxy.SweepInterval == 0 {
		c.Proxy.SweepInterval = DefaultSweepInterval
	}

	if c.Proxy.Capacity == 0 {
		c.Proxy.Capacity = data.KeySpace
	}

	if c.Proxy.FailurePolicy == "" {
		c.Proxy.FailurePolicy = DefaultFailurePolicy
	}
}

// UpstreamAddresses returns the addresses of all configured upstream servers, in order.
func (c *Config) UpstreamAddresses() []string {
	addrs := make([]string, len(c.Upstream.Servers))
	for idx, server := range c.Upstream.Servers {
		addrs[idx] = server.Address
	}

	return addrs
}

// Validate the contents of a defaulted configuration. Returns an error if validation failed; nil
// otherwise.
func (c *Config) Validate() error {
	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return fmt.Errorf("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return fmt.Errorf("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	if c.Listener.Readers < 0 {
		return fmt.Errorf("config: listener readers must be positive: readers=%d", c.Listener.Readers)
	}

	if c.Listener.WriteTimeout < 0 {
		return fmt.Errorf("config: listener write timeout must not be negative")
	}

	/* Upstream */

	if _, ok := network.ParseLoadBalancingPolicy(c.Upstream.LoadBalancingPolicy); !ok {
		return fmt.Errorf(
			"config: unknown load balancing policy: policy=%s",
			c.Upstream.LoadBalancingPolicy,
		)
	}

	for idx, server := range c.Upstream.Servers {
		if server.Address == "" {
			return fmt.Errorf("config: missing server address: idx=%d", idx)
		}
	}

	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("config: upstream timeout must be positive: timeout=%v", c.Upstream.Timeout)
	}

	if *c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must not be negative: max_retries=%d", *c.Upstream.MaxRetries)
	}

	if c.Upstream.Readers < 0 {
		return fmt.Errorf("config: upstream readers must be positive: readers=%d", c.Upstream.Readers)
	}

	if c.Upstream.WriteTimeout < 0 {
		return fmt.Errorf("config: upstream write timeout must not be negative")
	}

	/* Proxy */

	if c.Proxy.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be positive: interval=%v", c.Proxy.SweepInterval)
	}

	if c.Proxy.Capacity < 0 || c.Proxy.Capacity > data.KeySpace {
		return fmt.Errorf(
			"config: capacity must be in range [1, %d]: capacity=%d",
			data.KeySpace,
			c.Proxy.Capacity,
		)
	}

	if _, ok := proxy.ParseFailurePolicy(c.Proxy.FailurePolicy); !ok {
		return fmt.Errorf("config: unknown failure policy: policy=%s", c.Proxy.FailurePolicy)
	}

	return nil
}
