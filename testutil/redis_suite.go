// Package testutil provides shared test fixtures: an embedded miniredis
// suite and builders for protocol envelopes.
package testutil

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

// RedisTestSuite provides a shared miniredis instance for tests.
// Embed this in your test suite to get automatic Redis setup/teardown.
//
// Usage:
//
//	type MyTestSuite struct {
//	    testutil.RedisTestSuite
//	}
//
//	func (s *MyTestSuite) TestSomething() {
//	    err := s.RedisClient.Set(s.Ctx, "key", "value", 0).Err()
//	    s.Require().NoError(err)
//	}
//
//	func TestMyTestSuite(t *testing.T) {
//	    suite.Run(t, new(MyTestSuite))
//	}
type RedisTestSuite struct {
	suite.Suite

	// MiniRedis is the embedded miniredis instance. Use this for direct
	// manipulation such as FastForward to expire TTL entries.
	MiniRedis *miniredis.Miniredis

	// RedisClient is the Redis client connected to miniredis.
	RedisClient *redis.Client

	// Ctx is a background context for Redis operations.
	Ctx context.Context
}

// SetupSuite runs ONCE before all tests in the suite.
// Creates a single shared miniredis instance.
func (s *RedisTestSuite) SetupSuite() {
	mr, err := miniredis.Run()
	s.Require().NoError(err, "failed to create miniredis")
	s.MiniRedis = mr

	s.Ctx = context.Background()

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s", mr.Addr()))
	s.Require().NoError(err)
	s.RedisClient = redis.NewClient(opts)
}

// SetupTest runs BEFORE each test.
// Flushes all data from miniredis to ensure test isolation.
func (s *RedisTestSuite) SetupTest() {
	s.MiniRedis.FlushAll()
}

// TearDownSuite runs ONCE after all tests complete.
func (s *RedisTestSuite) TearDownSuite() {
	if s.RedisClient != nil {
		_ = s.RedisClient.Close()
	}
	if s.MiniRedis != nil {
		s.MiniRedis.Close()
	}
}
