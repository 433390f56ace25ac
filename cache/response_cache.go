// Package cache implements the shared response cache: serialized results of
// cacheable upstream queries, keyed by method + canonical parameters, with a
// per-method TTL.
//
// The cache is Redis-backed so every gateway replica shares one view of the
// cached chain state. Cache failures are never fatal to the proxying path:
// any Redis error reads as a miss and the request proceeds upstream.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adagate/adagate/logging"
)

// ResponseCache holds serialized results of cacheable upstream queries.
type ResponseCache interface {
	// Get returns the cached value for key, or ok=false on miss.
	// A backend failure reads as a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set stores value under key for ttl. Entries are only ever removed by
	// natural expiry. Errors are swallowed: a value that fails to cache is
	// simply fetched again next time.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// redisResponseCache is the Redis-backed ResponseCache used in production.
type redisResponseCache struct {
	logger    logging.Logger
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains response cache configuration.
type Config struct {
	// KeyPrefix namespaces all cache keys, typically "adagate:rc:{network}".
	KeyPrefix string
}

// NewResponseCache creates a Redis-backed response cache.
func NewResponseCache(logger logging.Logger, client redis.UniversalClient, cfg Config) ResponseCache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "adagate:rc"
	}

	return &redisResponseCache{
		logger:    logging.ForComponent(logger, logging.ComponentResponseCache),
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}
}

func (c *redisResponseCache) redisKey(key string) string {
	return c.keyPrefix + ":" + key
}

// Get implements ResponseCache. Redis TTL enforcement guarantees an entry is
// never returned past its expiry.
func (c *redisResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// Cache store unreachable: forced miss, request proceeds upstream.
			cacheErrors.WithLabelValues("get").Inc()
			c.logger.Warn().Err(err).Msg("cache read failed, treating as miss")
		}
		return nil, false
	}

	return data, true
}

// Set implements ResponseCache.
func (c *redisResponseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	if err := c.client.Set(ctx, c.redisKey(key), value, ttl).Err(); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn().Err(err).Msg("cache write failed")
		return
	}

	cacheWrites.Inc()
}
