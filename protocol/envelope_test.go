package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequest_Valid(t *testing.T) {
	env, err := DecodeRequest([]byte(`{"version":"1.0","method":"queryNetwork/tip","id":42}`))
	require.NoError(t, err)
	require.Equal(t, "queryNetwork/tip", env.Method)
	require.JSONEq(t, `42`, string(env.ID))
	require.True(t, env.HasID())
	require.False(t, env.IsResponse())
}

func TestDecodeRequest_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"version":`,
		"missing version": `{"method":"queryNetwork/tip","id":1}`,
		"missing method":  `{"version":"1.0","id":1}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(raw))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeRequest_StringIDsPreserved(t *testing.T) {
	env, err := DecodeRequest([]byte(`{"version":"1.0","method":"nextBlock","id":"client-7"}`))
	require.NoError(t, err)
	require.Equal(t, `"client-7"`, string(env.ID))
}

func TestEnvelope_ResponseRoundTrip(t *testing.T) {
	out, err := NewResult([]byte(`7`), "queryNetwork/tip", []byte(`{"height":100}`)).Encode()
	require.NoError(t, err)

	env, err := Decode(out)
	require.NoError(t, err)
	require.True(t, env.IsResponse())
	require.JSONEq(t, `7`, string(env.ID))
	require.JSONEq(t, `{"height":100}`, string(env.Result))
	require.Nil(t, env.Error)
}

func TestEnvelope_ErrorResponse(t *testing.T) {
	out, err := NewError([]byte(`1`), CodeRateLimitExceeded, "tier FREE allows 100 messages per second").Encode()
	require.NoError(t, err)

	env, err := Decode(out)
	require.NoError(t, err)
	require.True(t, env.IsResponse())
	require.NotNil(t, env.Error)
	require.Equal(t, CodeRateLimitExceeded, env.Error.Code)
}

func TestEnvelope_EventHasNoID(t *testing.T) {
	out, err := NewEvent("rollForward", []byte(`{"height":101}`)).Encode()
	require.NoError(t, err)

	env, err := Decode(out)
	require.NoError(t, err)
	require.False(t, env.HasID())
	require.Equal(t, "rollForward", env.Method)
}

func TestClassify(t *testing.T) {
	require.Equal(t, KindStateful, Classify("findIntersection").Kind)
	require.Equal(t, KindStateful, Classify("nextBlock").Kind)
	require.Equal(t, KindStateful, Classify("submitTransaction").Kind)
	require.Equal(t, KindStateful, Classify("acquireMempool").Kind)

	tip := Classify("queryNetwork/tip")
	require.Equal(t, KindCacheable, tip.Kind)
	require.Equal(t, 10*time.Second, tip.TTL)

	era := Classify("queryLedgerState/eraSummaries")
	require.Equal(t, KindCacheable, era.Kind)
	require.Equal(t, 24*time.Hour, era.TTL)

	// Unknown methods are plain stateless: forwarded, never cached.
	unknown := Classify("queryLedgerState/rewardAccountSummaries")
	require.Equal(t, KindStateless, unknown.Kind)
	require.Zero(t, unknown.TTL)

	_, cacheable := CacheTTL("queryLedgerState/rewardAccountSummaries")
	require.False(t, cacheable)

	require.True(t, IsStateful("releaseMempool"))
	require.False(t, IsStateful("queryNetwork/tip"))
}

func TestCacheKey_CanonicalizesParams(t *testing.T) {
	// Key order inside objects (at any depth) does not matter.
	a, err := CacheKey("queryLedgerState/utxo", []byte(`{"b":1,"a":{"y":2,"x":[1,2]}}`))
	require.NoError(t, err)
	b, err := CacheKey("queryLedgerState/utxo", []byte(`{"a":{"x":[1,2],"y":2},"b":1}`))
	require.NoError(t, err)
	require.Equal(t, a, b)

	// Array order does matter.
	c, err := CacheKey("queryLedgerState/utxo", []byte(`{"a":{"x":[2,1],"y":2},"b":1}`))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestCacheKey_AbsentParams(t *testing.T) {
	key, err := CacheKey("queryNetwork/tip", nil)
	require.NoError(t, err)
	require.Equal(t, "queryNetwork/tip:null", key)
}

func TestCacheKey_DistinctMethodsDistinctKeys(t *testing.T) {
	a, err := CacheKey("queryNetwork/tip", nil)
	require.NoError(t, err)
	b, err := CacheKey("queryLedgerState/tip", nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
