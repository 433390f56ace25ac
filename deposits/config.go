package deposits

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adagate/adagate/config"
	"github.com/adagate/adagate/logging"
)

// Reader modes for the settler's chain data source.
const (
	ReaderModeNode  = "node"
	ReaderModeIndex = "index"
)

// Config is the configuration for the settler service.
type Config struct {
	// ListenAddr is the address the payments API listens on.
	// Format: "host:port" (e.g., "0.0.0.0:8081")
	ListenAddr string `yaml:"listen_addr"`

	// Network selects the chain network, "mainnet" or "testnet". Deposit
	// addresses are derived per network.
	Network string `yaml:"network"`

	// Database is the payment ledger database.
	Database config.PostgresConfig `yaml:"database"`

	// Reader selects where chain state (tip, UTXOs) is read from.
	Reader ReaderConfig `yaml:"reader"`

	// Settlement tunes the confirmation passes.
	Settlement SettlementConfig `yaml:"settlement"`

	// MasterKeyHex is the hex-encoded master key deposit addresses are
	// derived from. Required.
	MasterKeyHex string `yaml:"master_key_hex"`

	// DepositExpiryHours is how long a payment waits for its deposit
	// before expiring. Default: 24
	DepositExpiryHours int64 `yaml:"deposit_expiry_hours,omitempty"`

	// Metrics configuration
	Metrics config.MetricsConfig `yaml:"metrics"`

	// Pprof configuration
	Pprof config.PprofConfig `yaml:"pprof,omitempty"`

	// Logging configuration
	Logging logging.Config `yaml:"logging,omitempty"`
}

// ReaderConfig selects and configures the chain data reader.
type ReaderConfig struct {
	// Mode is "node" (live chain node over websocket) or "index"
	// (replicated ledger index in Postgres).
	Mode string `yaml:"mode"`

	// Node is the upstream pool configuration, used when mode is "node".
	Node config.NodeConfig `yaml:"node,omitempty"`

	// Index is the chain index database, used when mode is "index".
	Index config.PostgresConfig `yaml:"index,omitempty"`

	// MaxLagSeconds is the freshness gate for the index reader. A pass is
	// skipped while the index lags further than this behind wall time.
	// Default: 600
	MaxLagSeconds int64 `yaml:"max_lag_seconds,omitempty"`
}

// SettlementConfig tunes the confirmation engine.
type SettlementConfig struct {
	// PassIntervalSeconds is the delay between settlement passes.
	// Default: 30
	PassIntervalSeconds int64 `yaml:"pass_interval_seconds,omitempty"`

	// BatchSize caps how many open payments one pass loads. Default: 50
	BatchSize int `yaml:"batch_size,omitempty"`

	// ConfirmationThreshold is how many blocks must build on top of the
	// detection height before a payment settles. Default: 2
	ConfirmationThreshold int64 `yaml:"confirmation_threshold,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:8081",
		Network:    "mainnet",
		Reader: ReaderConfig{
			Mode:          ReaderModeNode,
			Node:          config.DefaultNodeConfig(),
			MaxLagSeconds: 600,
		},
		Settlement: SettlementConfig{
			PassIntervalSeconds:   30,
			BatchSize:             50,
			ConfirmationThreshold: 2,
		},
		DepositExpiryHours: 24,
		Metrics: config.MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9092",
		},
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("network must be \"mainnet\" or \"testnet\", got %q", c.Network)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Reader.Mode {
	case ReaderModeNode:
		if len(c.Reader.Node.Endpoints) == 0 {
			return fmt.Errorf("reader.node.endpoints is required in node mode")
		}
		for _, endpoint := range c.Reader.Node.Endpoints {
			u, err := url.Parse(endpoint)
			if err != nil {
				return fmt.Errorf("invalid reader endpoint %q: %w", endpoint, err)
			}
			if u.Scheme != "ws" && u.Scheme != "wss" {
				return fmt.Errorf("reader endpoint %q must use ws:// or wss://", endpoint)
			}
		}
	case ReaderModeIndex:
		if c.Reader.Index.DSN == "" {
			return fmt.Errorf("reader.index.dsn is required in index mode")
		}
	default:
		return fmt.Errorf("reader.mode must be %q or %q, got %q", ReaderModeNode, ReaderModeIndex, c.Reader.Mode)
	}

	if c.MasterKeyHex == "" {
		return fmt.Errorf("master_key_hex is required")
	}
	if _, err := hex.DecodeString(c.MasterKeyHex); err != nil {
		return fmt.Errorf("invalid master_key_hex: %w", err)
	}

	if c.Settlement.PassIntervalSeconds <= 0 {
		return fmt.Errorf("settlement.pass_interval_seconds must be positive")
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("settlement.batch_size must be positive")
	}
	if c.Settlement.ConfirmationThreshold <= 0 {
		return fmt.Errorf("settlement.confirmation_threshold must be positive")
	}
	if c.DepositExpiryHours <= 0 {
		return fmt.Errorf("deposit_expiry_hours must be positive")
	}

	return nil
}

// MasterKey returns the decoded master key. Call Validate first.
func (c *Config) MasterKey() []byte {
	key, _ := hex.DecodeString(c.MasterKeyHex)
	return key
}

// DepositExpiry returns the deposit window as a duration.
func (c *Config) DepositExpiry() time.Duration {
	return time.Duration(c.DepositExpiryHours) * time.Hour
}

// EngineConfig converts the settlement section to an EngineConfig.
func (c *Config) EngineConfig() EngineConfig {
	return EngineConfig{
		PassInterval:          time.Duration(c.Settlement.PassIntervalSeconds) * time.Second,
		BatchSize:             c.Settlement.BatchSize,
		ConfirmationThreshold: c.Settlement.ConfirmationThreshold,
		IndexMaxLag:           time.Duration(c.Reader.MaxLagSeconds) * time.Second,
	}
}

// LoadConfig loads a settler configuration from a YAML file.
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
