package config

import "time"

// NodeConfig describes the pool of upstream chain-node endpoints for one
// network. Each endpoint is one physical relay; the gateway keeps one pooled
// connection per endpoint for stateless traffic and dials fresh connections
// for stateful sessions.
type NodeConfig struct {
	// Network selects the chain network the endpoints serve.
	// Values: "mainnet", "testnet"
	Network string `yaml:"network"`

	// Endpoints are the upstream node WebSocket URLs, e.g.
	// "ws://relay-1.internal:1337".
	Endpoints []string `yaml:"endpoints"`

	// CallTimeoutSeconds bounds one stateless request/reply round trip.
	// Some ledger queries are inherently slow, so the default is generous.
	// Default: 30
	CallTimeoutSeconds int `yaml:"call_timeout_seconds,omitempty"`

	// DialTimeoutSeconds bounds the WebSocket handshake. Default: 10
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds,omitempty"`
}

// DefaultNodeConfig returns a NodeConfig with default timeouts and no
// endpoints. Endpoints always come from the operator.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Network:            "mainnet",
		CallTimeoutSeconds: 30,
		DialTimeoutSeconds: 10,
	}
}

// CallTimeout returns the configured call timeout as a duration.
func (c NodeConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// DialTimeout returns the configured dial timeout as a duration.
func (c NodeConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled enables the metrics server.
	Enabled bool `yaml:"enabled"`

	// Addr is the address to expose metrics on.
	// Default: ":9090" for the gateway, ":9092" for the settler
	Addr string `yaml:"addr"`
}

// PprofConfig contains pprof profiling configuration.
type PprofConfig struct {
	// Enabled enables the pprof profiling server.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Addr is the address for the pprof server.
	// Default: "localhost:6060"
	Addr string `yaml:"addr,omitempty"`
}
