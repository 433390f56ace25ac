package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/adagate/adagate/testutil"
)

type ResponseCacheTestSuite struct {
	testutil.RedisTestSuite

	cache ResponseCache
}

func (s *ResponseCacheTestSuite) SetupTest() {
	s.RedisTestSuite.SetupTest()
	s.cache = NewResponseCache(zerolog.Nop(), s.RedisClient, Config{KeyPrefix: "adagate:rc:mainnet"})
}

func (s *ResponseCacheTestSuite) TestSetThenGetReturnsIdenticalBytes() {
	value := []byte(`{"height":11042371,"slot":139284710,"id":"blk-abc"}`)
	s.cache.Set(s.Ctx, "queryNetwork/tip:null", value, 10*time.Second)

	got, ok := s.cache.Get(s.Ctx, "queryNetwork/tip:null")
	s.Require().True(ok)
	s.Require().Equal(value, got)
}

func (s *ResponseCacheTestSuite) TestMissOnUnknownKey() {
	_, ok := s.cache.Get(s.Ctx, "queryNetwork/tip:null")
	s.Require().False(ok)
}

func (s *ResponseCacheTestSuite) TestEntryExpiresByTTL() {
	s.cache.Set(s.Ctx, "queryLedgerState/epoch:null", []byte(`520`), 60*time.Second)

	_, ok := s.cache.Get(s.Ctx, "queryLedgerState/epoch:null")
	s.Require().True(ok)

	// Just before expiry the entry is still served.
	s.MiniRedis.FastForward(59 * time.Second)
	_, ok = s.cache.Get(s.Ctx, "queryLedgerState/epoch:null")
	s.Require().True(ok)

	// Past expiry it is gone; an expired entry is never returned.
	s.MiniRedis.FastForward(2 * time.Second)
	_, ok = s.cache.Get(s.Ctx, "queryLedgerState/epoch:null")
	s.Require().False(ok)
}

func (s *ResponseCacheTestSuite) TestOverwriteReplacesValue() {
	s.cache.Set(s.Ctx, "queryNetwork/tip:null", []byte(`{"height":1}`), 10*time.Second)
	s.cache.Set(s.Ctx, "queryNetwork/tip:null", []byte(`{"height":2}`), 10*time.Second)

	got, ok := s.cache.Get(s.Ctx, "queryNetwork/tip:null")
	s.Require().True(ok)
	s.Require().Equal([]byte(`{"height":2}`), got)
}

func (s *ResponseCacheTestSuite) TestZeroTTLNeverStored() {
	s.cache.Set(s.Ctx, "someMethod:null", []byte(`1`), 0)

	_, ok := s.cache.Get(s.Ctx, "someMethod:null")
	s.Require().False(ok)
}

func (s *ResponseCacheTestSuite) TestKeysAreNamespaced() {
	s.cache.Set(s.Ctx, "queryNetwork/tip:null", []byte(`1`), 10*time.Second)

	val, err := s.RedisClient.Get(s.Ctx, "adagate:rc:mainnet:queryNetwork/tip:null").Result()
	s.Require().NoError(err)
	s.Require().Equal("1", val)
}

func TestResponseCacheTestSuite(t *testing.T) {
	suite.Run(t, new(ResponseCacheTestSuite))
}

// A dead cache backend must read as a miss, never as an error: the request
// simply proceeds upstream.
func TestResponseCache_UnreachableBackendIsForcedMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	c := NewResponseCache(zerolog.Nop(), client, Config{})

	_, ok := c.Get(context.Background(), "queryNetwork/tip:null")
	require.False(t, ok)

	// Writes are swallowed the same way.
	c.Set(context.Background(), "queryNetwork/tip:null", []byte(`1`), 10*time.Second)
}
