// Package config holds configuration structs shared between the gateway and
// the settler.
package config

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL.
	// Supports: redis://, rediss:// (TLS)
	URL string `yaml:"url"`

	// PoolSize is the maximum number of socket connections.
	// Set to 0 to use the go-redis default (10 × GOMAXPROCS).
	PoolSize int `yaml:"pool_size,omitempty"`

	// MinIdleConns is the minimum number of idle connections to maintain.
	// Keeping idle connections warm eliminates connection dial latency.
	MinIdleConns int `yaml:"min_idle_conns,omitempty"`

	// KeyPrefix is the prefix for all Redis keys written by this process.
	// Default: "adagate"
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// DefaultRedisConfig returns sensible defaults for local development.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:       "redis://localhost:6379",
		KeyPrefix: "adagate",
	}
}
