// Package gateway implements the client-facing proxy: websocket sessions,
// method classification, tier rate limiting, the shared response cache path,
// stateful session pinning, and usage metering for billing.
package gateway

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adagate/adagate/config"
	"github.com/adagate/adagate/logging"
)

// Tier is a billing tier resolved by the edge and trusted from headers.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierPaid  Tier = "PAID"
	TierAdmin Tier = "ADMIN"
)

// Message ceilings per tier, in messages per second. ADMIN is unbounded.
const (
	FreeTierLimit = 100
	PaidTierLimit = 500
)

// Limit returns the per-second message ceiling for the tier, or 0 for
// unbounded. Unknown tiers get the FREE ceiling.
func (t Tier) Limit() int {
	switch t {
	case TierPaid:
		return PaidTierLimit
	case TierAdmin:
		return 0
	default:
		return FreeTierLimit
	}
}

// Config is the configuration for the gateway service.
type Config struct {
	// ListenAddr is the address to listen on for client connections.
	// Format: "host:port" (e.g., "0.0.0.0:8080")
	ListenAddr string `yaml:"listen_addr"`

	// Node is the backing chain node configuration.
	Node config.NodeConfig `yaml:"node"`

	// Redis configuration for the shared response cache.
	Redis config.RedisConfig `yaml:"redis"`

	// Billing is the usage-report collector configuration.
	Billing BillingConfig `yaml:"billing"`

	// FlushIntervalSeconds is how often partial usage reports are emitted
	// for active sessions.
	FlushIntervalSeconds int64 `yaml:"flush_interval_seconds"`

	// Metrics configuration
	Metrics config.MetricsConfig `yaml:"metrics"`

	// Pprof configuration
	Pprof config.PprofConfig `yaml:"pprof,omitempty"`

	// Logging configuration
	Logging logging.Config `yaml:"logging,omitempty"`
}

// BillingConfig contains the usage collector endpoint configuration.
type BillingConfig struct {
	// CollectorURL is the HTTP endpoint usage reports are POSTed to.
	// Empty disables reporting (reports are logged and dropped).
	CollectorURL string `yaml:"collector_url"`

	// RequestTimeoutSeconds bounds each report POST.
	RequestTimeoutSeconds int64 `yaml:"request_timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           "0.0.0.0:8080",
		Node:                 config.DefaultNodeConfig(),
		Redis:                config.DefaultRedisConfig(),
		FlushIntervalSeconds: 30,
		Billing: BillingConfig{
			RequestTimeoutSeconds: 10,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9090",
		},
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if len(c.Node.Endpoints) == 0 {
		return fmt.Errorf("node.endpoints is required: at least one upstream endpoint must be configured")
	}
	for _, endpoint := range c.Node.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid node endpoint %q: %w", endpoint, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("node endpoint %q must use ws:// or wss://", endpoint)
		}
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if _, err := url.Parse(c.Redis.URL); err != nil {
		return fmt.Errorf("invalid redis.url: %w", err)
	}

	if c.Billing.CollectorURL != "" {
		if _, err := url.Parse(c.Billing.CollectorURL); err != nil {
			return fmt.Errorf("invalid billing.collector_url: %w", err)
		}
	}

	if c.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("flush_interval_seconds must be positive")
	}

	return nil
}

// FlushInterval returns the usage flush cadence as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// LoadConfig loads a gateway configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
