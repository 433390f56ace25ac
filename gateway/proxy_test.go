package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adagate/adagate/cache"
	"github.com/adagate/adagate/protocol"
	"github.com/adagate/adagate/testutil"
	"github.com/adagate/adagate/upstream"
)

type captureReporter struct {
	mu      sync.Mutex
	reports []UsageReport
}

func (r *captureReporter) Report(_ context.Context, report UsageReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *captureReporter) all() []UsageReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UsageReport, len(r.reports))
	copy(out, r.reports)
	return out
}

type harness struct {
	node     *testutil.FakeNode
	server   *Server
	web      *httptest.Server
	reporter *captureReporter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	node := testutil.NewFakeNode(nil)
	t.Cleanup(node.Close)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	pool, err := upstream.NewPool(zerolog.Nop(), upstream.PoolConfig{
		Endpoints:   []string{node.URL()},
		CallTimeout: 5 * time.Second,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Close)

	require.Eventually(t, pool.Healthy, 5*time.Second, 10*time.Millisecond)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Node.Endpoints = []string{node.URL()}
	cfg.Redis.URL = "redis://" + mr.Addr()

	reporter := &captureReporter{}
	server, err := NewServer(zerolog.Nop(), cfg, ServerDeps{
		Cache:    cache.NewResponseCache(zerolog.Nop(), redisClient, cache.Config{}),
		Pool:     pool,
		Reporter: reporter,
	})
	require.NoError(t, err)

	web := httptest.NewServer(server.Handler())
	t.Cleanup(web.Close)

	return &harness{node: node, server: server, web: web, reporter: reporter}
}

func (h *harness) dial(t *testing.T, identity Identity) *websocket.Conn {
	t.Helper()

	headers := http.Header{}
	headers.Set(HeaderClientID, identity.ClientID)
	headers.Set(HeaderUserID, identity.UserID)
	headers.Set(HeaderAPIKeyID, identity.APIKeyID)
	headers.Set(HeaderTier, string(identity.Tier))
	headers.Set(HeaderNetwork, identity.Network)

	wsURL := "ws" + strings.TrimPrefix(h.web.URL, "http") + "/v1"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, headers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// session returns the server-side session once the upgrade has registered it.
func (h *harness) session(t *testing.T) *Session {
	t.Helper()

	var session *Session
	require.Eventually(t, func() bool {
		h.server.sessions.Range(func(_ string, s *Session) bool {
			session = s
			return false
		})
		return session != nil
	}, 5*time.Second, 10*time.Millisecond)
	return session
}

func send(t *testing.T, ws *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func recvEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func request(method string, id string, params string) *protocol.Envelope {
	env := &protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  method,
		ID:      []byte(id),
	}
	if params != "" {
		env.Params = []byte(params)
	}
	return env
}

func TestProxy_CacheableServedFromCache(t *testing.T) {
	h := newHarness(t)

	// Two clients ask for the tip inside one TTL window. Only the first
	// request reaches the node; the second gets the identical result bytes.
	wsA := h.dial(t, Identity{ClientID: "a", Tier: TierFree})
	wsB := h.dial(t, Identity{ClientID: "b", Tier: TierFree})

	send(t, wsA, request("queryNetwork/tip", "1", ""))
	replyA := recvEnvelope(t, wsA)
	require.Nil(t, replyA.Error)

	send(t, wsB, request("queryNetwork/tip", "7", ""))
	replyB := recvEnvelope(t, wsB)
	require.Nil(t, replyB.Error)

	require.Equal(t, string(replyA.Result), string(replyB.Result))
	require.JSONEq(t, `7`, string(replyB.ID))
	require.EqualValues(t, 1, h.node.Requests.Load())
}

func TestProxy_CacheKeyIncludesParams(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "a", Tier: TierFree})

	send(t, ws, request("queryLedgerState/epoch", "1", `{"network":"mainnet"}`))
	recvEnvelope(t, ws)
	send(t, ws, request("queryLedgerState/epoch", "2", `{"network":"testnet"}`))
	recvEnvelope(t, ws)

	// Different params, different cache entries: both go upstream.
	require.EqualValues(t, 2, h.node.Requests.Load())

	// Repeating the first params hits the existing entry.
	send(t, ws, request("queryLedgerState/epoch", "3", `{"network":"mainnet"}`))
	recvEnvelope(t, ws)
	require.EqualValues(t, 2, h.node.Requests.Load())
}

func TestProxy_StatelessNeverCached(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "a", Tier: TierFree})

	for i := 0; i < 3; i++ {
		send(t, ws, request("queryLedgerState/rewardAccountSummaries", "1", ""))
		reply := recvEnvelope(t, ws)
		require.Nil(t, reply.Error)
	}
	require.EqualValues(t, 3, h.node.Requests.Load())
}

func TestProxy_MalformedNotBilled(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "a", Tier: TierFree})
	session := h.session(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	reply := recvEnvelope(t, ws)
	require.NotNil(t, reply.Error)
	require.Equal(t, protocol.CodeProtocolError, reply.Error.Code)

	require.EqualValues(t, 0, session.counters.received.Load())
	require.EqualValues(t, 0, session.counters.sent.Load())
	require.EqualValues(t, 0, h.node.Requests.Load())
}

func TestProxy_FreeTierRateLimit(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "a", Tier: TierFree})
	session := h.session(t)

	// Freeze the limiter clock: the bucket holds exactly the FREE burst and
	// never refills during the test.
	frozen := time.Now()
	session.limiter.now = func() time.Time { return frozen }

	const total = 150
	for i := 0; i < total; i++ {
		send(t, ws, request("queryLedgerState/rewardAccountSummaries", "1", ""))
	}

	var ok, limited int
	for i := 0; i < total; i++ {
		reply := recvEnvelope(t, ws)
		if reply.Error != nil && reply.Error.Code == protocol.CodeRateLimitExceeded {
			limited++
			continue
		}
		require.Nil(t, reply.Error)
		ok++
	}

	require.Equal(t, FreeTierLimit, ok)
	require.Equal(t, total-FreeTierLimit, limited)

	// Rejected messages never reached the node and are not billed traffic
	// in either direction: the rejection replies stay out of sent.
	require.EqualValues(t, FreeTierLimit, h.node.Requests.Load())
	require.EqualValues(t, FreeTierLimit, session.counters.received.Load())
	require.EqualValues(t, FreeTierLimit, session.counters.sent.Load())
	require.EqualValues(t, total-FreeTierLimit, session.counters.rateLimited.Load())
}

func TestProxy_AdminTierUnbounded(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "root", Tier: TierAdmin})
	session := h.session(t)

	frozen := time.Now()
	session.limiter.now = func() time.Time { return frozen }

	for i := 0; i < FreeTierLimit+50; i++ {
		send(t, ws, request("queryLedgerState/rewardAccountSummaries", "1", ""))
		reply := recvEnvelope(t, ws)
		require.Nil(t, reply.Error)
	}
	require.EqualValues(t, 0, session.counters.rateLimited.Load())
}

func TestProxy_StatefulPinsDedicatedConn(t *testing.T) {
	h := newHarness(t)

	h.node.SetHandler(func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewResult(env.ID, env.Method, []byte(`{"cursor":"origin"}`))
	})

	ws := h.dial(t, Identity{ClientID: "sync", Tier: TierPaid})

	// One pooled connection exists already; the first stateful call adds a
	// dedicated one.
	require.EqualValues(t, 1, h.node.ConnCount())

	send(t, ws, request("findIntersection", `"fi-1"`, `{"points":["origin"]}`))
	reply := recvEnvelope(t, ws)
	require.JSONEq(t, `"fi-1"`, string(reply.ID))
	require.EqualValues(t, 2, h.node.ConnCount())

	// Subsequent stateful calls reuse the same pinned connection.
	for i := 0; i < 5; i++ {
		send(t, ws, request("nextBlock", `"nb"`, ""))
		recvEnvelope(t, ws)
	}
	require.EqualValues(t, 2, h.node.ConnCount())
}

func TestProxy_StatefulDropNotifiesClient(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "sync", Tier: TierPaid})

	send(t, ws, request("findIntersection", `1`, ""))
	recvEnvelope(t, ws)

	// Kill every upstream connection mid-session. The client must get an
	// explicit disconnect event so it knows its sync cursor is gone.
	h.node.CloseConns()

	for {
		reply := recvEnvelope(t, ws)
		if reply.Method != disconnectMethod {
			continue
		}
		require.NotNil(t, reply.Error)
		require.Equal(t, protocol.CodeUpstreamUnavailable, reply.Error.Code)
		break
	}
}

func TestProxy_DisconnectFlushesFinalReport(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "c-1", UserID: "u-1", APIKeyID: "k-1", Tier: TierPaid, Network: "mainnet"})

	send(t, ws, request("queryNetwork/tip", "1", ""))
	recvEnvelope(t, ws)
	send(t, ws, request("queryNetwork/tip", "2", ""))
	recvEnvelope(t, ws)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return len(h.reporter.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	report := h.reporter.all()[0]
	require.False(t, report.IsPartial)
	require.Equal(t, "k-1", report.APIKeyID)
	require.Equal(t, "u-1", report.UserID)
	require.Equal(t, TierPaid, report.Tier)
	require.Equal(t, "mainnet", report.Network)
	require.EqualValues(t, 2, report.Messages.Received)
	require.EqualValues(t, 2, report.Messages.Sent)
	require.EqualValues(t, 1, report.Messages.CacheMisses)
	require.EqualValues(t, 1, report.Messages.CacheHits)
	require.EqualValues(t, 2, report.Messages.Methods["queryNetwork/tip"])
}

func TestProxy_PeriodicFlushEmitsPartials(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t, Identity{ClientID: "c-1", APIKeyID: "k-1", Tier: TierFree})
	session := h.session(t)

	send(t, ws, request("queryNetwork/tip", "1", ""))
	recvEnvelope(t, ws)

	h.server.meter.flushAll(context.Background())
	require.Eventually(t, func() bool {
		return len(h.reporter.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	partial := h.reporter.all()[0]
	require.True(t, partial.IsPartial)
	require.EqualValues(t, 1, partial.Messages.Received)

	// The flush drained the counters: the next snapshot starts from zero.
	require.EqualValues(t, 0, session.counters.received.Load())
}

func TestProxy_HTTPSingleShot(t *testing.T) {
	h := newHarness(t)

	body := `{"version":"1.0","method":"queryNetwork/blockHeight","id":9}`
	req, err := http.NewRequest(http.MethodPost, h.web.URL+"/v1", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderAPIKeyID, "k-http")
	req.Header.Set(HeaderTier, string(TierPaid))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decodeBody(t, resp)
	require.Nil(t, env.Error)
	require.JSONEq(t, `9`, string(env.ID))

	// One report per HTTP request.
	require.Eventually(t, func() bool {
		return len(h.reporter.all()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, h.reporter.all()[0].IsPartial)
}

func TestProxy_HTTPRejectsStateful(t *testing.T) {
	h := newHarness(t)

	body := `{"version":"1.0","method":"nextBlock","id":1}`
	resp, err := http.Post(h.web.URL+"/v1", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	env := decodeBody(t, resp)
	require.NotNil(t, env.Error)
	require.Equal(t, protocol.CodeProtocolError, env.Error.Code)
	require.EqualValues(t, 0, h.node.Requests.Load())
}

func TestProxy_HTTPSingleShotRateLimited(t *testing.T) {
	h := newHarness(t)

	// Same frozen-clock trick as the websocket path: the bucket holds
	// exactly the FREE burst and never refills during the test.
	limiter := h.server.postLimiter(Identity{APIKeyID: "k-limited", Tier: TierFree})
	frozen := time.Now()
	limiter.now = func() time.Time { return frozen }

	const total = FreeTierLimit + 50
	var ok, limited int
	for i := 0; i < total; i++ {
		env := postEnvelope(t, h, "k-limited", TierFree,
			`{"version":"1.0","method":"queryLedgerState/rewardAccountSummaries","id":1}`)
		if env.Error != nil && env.Error.Code == protocol.CodeRateLimitExceeded {
			limited++
			continue
		}
		require.Nil(t, env.Error)
		ok++
	}

	require.Equal(t, FreeTierLimit, ok)
	require.Equal(t, total-FreeTierLimit, limited)
	require.EqualValues(t, FreeTierLimit, h.node.Requests.Load())

	// Rejected posts are never billed: one final report per accepted post
	// and nothing for the rejections.
	require.Eventually(t, func() bool {
		return len(h.reporter.all()) == FreeTierLimit
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxy_HTTPReportsCacheOutcome(t *testing.T) {
	h := newHarness(t)

	body := `{"version":"1.0","method":"queryNetwork/blockHeight","id":1}`
	first := postEnvelope(t, h, "k-cache", TierPaid, body)
	require.Nil(t, first.Error)
	second := postEnvelope(t, h, "k-cache", TierPaid, body)
	require.Nil(t, second.Error)
	require.EqualValues(t, 1, h.node.Requests.Load())

	require.Eventually(t, func() bool {
		return len(h.reporter.all()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Report delivery is async, so assert over both reports together.
	var hits, misses, sent, received int64
	for _, report := range h.reporter.all() {
		hits += report.Messages.CacheHits
		misses += report.Messages.CacheMisses
		sent += report.Messages.Sent
		received += report.Messages.Received
	}
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
	require.EqualValues(t, 2, sent)
	require.EqualValues(t, 2, received)
}

func postEnvelope(t *testing.T, h *harness, apiKey string, tier Tier, body string) *protocol.Envelope {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.web.URL+"/v1", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(HeaderAPIKeyID, apiKey)
	req.Header.Set(HeaderTier, string(tier))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) *protocol.Envelope {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}
