package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pond "github.com/alitto/pond/v2"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/adagate/adagate/cache"
	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/observability"
	"github.com/adagate/adagate/protocol"
	"github.com/adagate/adagate/upstream"
)

// Identity headers set by the edge proxy. Key validation and tier
// resolution happen there; the gateway trusts these values.
const (
	HeaderClientID = "X-Adagate-Client-Id"
	HeaderUserID   = "X-Adagate-User-Id"
	HeaderAPIKeyID = "X-Adagate-Api-Key-Id"
	HeaderTier     = "X-Adagate-Tier"
	HeaderNetwork  = "X-Adagate-Network"
)

const (
	// maxMessageBytes bounds client frames. Transaction submissions carry
	// CBOR payloads, so the ceiling is generous.
	maxMessageBytes = 4 * 1024 * 1024

	// disconnectMethod is the event emitted to a client whose pinned
	// upstream connection dropped mid-session.
	disconnectMethod = "connectionClosed"
)

// ServerDeps are the collaborators the proxy server is built from. Tests
// inject fakes here.
type ServerDeps struct {
	Cache    cache.ResponseCache
	Pool     *upstream.Pool
	Reporter Reporter
}

// Server is the client-facing proxy. It accepts websocket sessions (and
// single-shot HTTP posts) at /v1, classifies each message, and routes it
// through the cache, the shared upstream pool, or the session's pinned
// connection.
type Server struct {
	logger logging.Logger
	config Config

	cache    cache.ResponseCache
	pool     *upstream.Pool
	reporter Reporter
	meter    *UsageMeter

	sessions   *xsync.Map[string, *Session]
	sessionSeq atomic.Uint64

	// postLimiters holds one rate limiter per identity for the single-shot
	// HTTP path, where there is no session to hang the limiter on.
	postLimiters *xsync.Map[string, *tierLimiter]

	upgrader   websocket.Upgrader
	httpServer *http.Server
	workerPool pond.Pool

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds the proxy server. Call Start to begin serving.
func NewServer(logger logging.Logger, config Config, deps ServerDeps) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Cache == nil || deps.Pool == nil {
		return nil, errors.New("gateway server requires a response cache and an upstream pool")
	}
	if deps.Reporter == nil {
		deps.Reporter = NewReporter(logger, config.Billing)
	}

	s := &Server{
		logger:       logging.ForComponent(logger, logging.ComponentProxyServer),
		config:       config,
		cache:        deps.Cache,
		pool:         deps.Pool,
		reporter:     deps.Reporter,
		sessions:     xsync.NewMap[string, *Session](),
		postLimiters: xsync.NewMap[string, *tierLimiter](),
		workerPool:   pond.NewPool(64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Cross-origin policy is enforced at the edge.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.meter = NewUsageMeter(logger, s.reporter, s.sessions, s.workerPool, config.FlushInterval())
	s.ctx = context.Background()
	return s, nil
}

// Handler returns the HTTP handler serving /v1. Exposed so the gateway can
// run behind an existing mux, and for in-process tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1", s.handleV1)
	return mux
}

// Start launches the upstream pool, the usage meter, and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancelFn = context.WithCancel(ctx)

	s.pool.Start(s.ctx)
	s.meter.Start(s.ctx)

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go logging.RecoverGoRoutine(s.logger, "http_listener", func(_ context.Context) {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("gateway listener failed")
		}
	})(s.ctx)

	s.logger.Info().
		Str("listen_addr", s.config.ListenAddr).
		Str(logging.FieldNetwork, s.config.Node.Network).
		Int("endpoints", len(s.config.Node.Endpoints)).
		Msg("gateway started")
	return nil
}

// Healthy reports whether the gateway can serve traffic right now.
func (s *Server) Healthy() bool {
	return s.pool.Healthy()
}

// SessionCount reports the number of connected sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Size()
}

// Close drains sessions and shuts everything down.
func (s *Server) Close() {
	if s.cancelFn != nil {
		s.cancelFn()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.httpServer.Shutdown(shutdownCtx)
		cancel()
	}

	s.sessions.Range(func(_ string, session *Session) bool {
		s.teardownSession(session)
		return true
	})

	s.meter.Close()
	s.pool.Close()
	s.workerPool.StopAndWait()
	s.wg.Wait()
	s.logger.Info().Msg("gateway stopped")
}

func (s *Server) identityFromRequest(r *http.Request) Identity {
	identity := Identity{
		ClientID: r.Header.Get(HeaderClientID),
		UserID:   r.Header.Get(HeaderUserID),
		APIKeyID: r.Header.Get(HeaderAPIKeyID),
		Tier:     Tier(r.Header.Get(HeaderTier)),
		Network:  r.Header.Get(HeaderNetwork),
	}

	if identity.Tier == "" {
		identity.Tier = TierFree
	}
	if identity.Network == "" {
		identity.Network = s.config.Node.Network
	}
	return identity
}

func (s *Server) handleV1(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebsocket(w, r)
		return
	}
	if r.Method == http.MethodPost {
		s.handlePost(w, r)
		return
	}
	http.Error(w, "expected websocket upgrade or POST", http.StatusMethodNotAllowed)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity := s.identityFromRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	session := newSession(s.logger, s.nextSessionID(), identity, ws)
	s.sessions.Store(session.ID, session)
	sessionsActive.Inc()

	session.logger.Info().Msg("session connected")

	s.wg.Add(1)
	go logging.RecoverGoRoutine(session.logger, "session_read", func(_ context.Context) {
		defer s.wg.Done()
		s.sessionReadLoop(session)
	})(s.ctx)
}

func (s *Server) nextSessionID() string {
	return "sess-" + strconv.FormatUint(s.sessionSeq.Add(1), 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// sessionReadLoop processes client messages sequentially. One message at a
// time per session keeps stateful protocol ordering without extra queues.
func (s *Server) sessionReadLoop(session *Session) {
	defer s.teardownSession(session)

	for {
		_, data, err := session.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(session, data)
	}
}

// teardownSession runs exactly once per session: final usage flush, pinned
// connection close, registry removal.
func (s *Server) teardownSession(session *Session) {
	if _, loaded := s.sessions.LoadAndDelete(session.ID); !loaded {
		return
	}
	sessionsActive.Dec()

	// Final report drains everything the periodic flush has not seen yet.
	s.meter.FlushSession(context.WithoutCancel(s.ctx), session)
	session.close()
	session.logger.Info().
		Dur("connected_for", time.Since(session.CreatedAt)).
		Msg("session closed")
}

// handleMessage is the per-message pipeline: decode, rate limit, classify,
// route. Malformed and rate-limited messages never reach an upstream and
// are never billed as traffic.
func (s *Server) handleMessage(session *Session, data []byte) {
	start := time.Now()
	status := "ok"
	defer func() {
		observability.OperationDurationSeconds.
			WithLabelValues(logging.ComponentProxyServer, "proxy_message", status).
			Observe(time.Since(start).Seconds())
	}()

	env, err := protocol.DecodeRequest(data)
	if err != nil {
		status = "protocol_error"
		protocolErrorsTotal.Inc()
		s.reject(session, nil, protocol.CodeProtocolError, err.Error())
		return
	}

	if !session.limiter.Allow() {
		status = "rate_limited"
		session.counters.rateLimited.Add(1)
		rateLimitedTotal.WithLabelValues(string(session.Identity.Tier)).Inc()
		s.reject(session, env.ID, protocol.CodeRateLimitExceeded,
			fmt.Sprintf("tier %s allows %d messages per second", session.Identity.Tier, session.Identity.Tier.Limit()))
		return
	}

	session.counters.received.Add(1)
	session.counters.countMethod(env.Method)

	class := protocol.Classify(env.Method)
	messagesTotal.WithLabelValues(string(session.Identity.Tier), class.Kind.String()).Inc()

	switch class.Kind {
	case protocol.KindStateful:
		s.routeStateful(session, env)
	case protocol.KindCacheable:
		s.routeCacheable(session, env, class.TTL)
	default:
		s.routeStateless(session, env)
	}
}

// routeCacheable serves from the shared response cache when it can, and
// populates it from a successful upstream reply when it cannot. Cache
// trouble is a forced miss, never an error to the client.
func (s *Server) routeCacheable(session *Session, env *protocol.Envelope, ttl time.Duration) {
	key, err := protocol.CacheKey(env.Method, env.Params)
	if err != nil {
		s.replyError(session, env.ID, protocol.CodeProtocolError, "unencodable params")
		return
	}

	if cached, ok := s.cache.Get(s.ctx, key); ok {
		cacheHitsTotal.Inc()
		session.counters.cacheHits.Add(1)
		s.reply(session, protocol.NewResult(env.ID, env.Method, cached))
		return
	}

	cacheMissesTotal.Inc()
	session.counters.cacheMisses.Add(1)

	reply, err := s.pool.Call(s.ctx, env.Method, env.Params)
	if err != nil {
		s.replyUpstreamError(session, env.ID, err)
		return
	}

	if reply.Error != nil {
		// Upstream errors are passed through and never cached.
		s.reply(session, &protocol.Envelope{
			Version: protocol.EnvelopeVersion,
			Method:  env.Method,
			ID:      env.ID,
			Error:   reply.Error,
		})
		return
	}

	s.cache.Set(s.ctx, key, reply.Result, ttl)
	s.reply(session, protocol.NewResult(env.ID, env.Method, reply.Result))
}

func (s *Server) routeStateless(session *Session, env *protocol.Envelope) {
	reply, err := s.pool.Call(s.ctx, env.Method, env.Params)
	if err != nil {
		s.replyUpstreamError(session, env.ID, err)
		return
	}

	out := &protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  env.Method,
		ID:      env.ID,
		Result:  reply.Result,
		Error:   reply.Error,
	}
	s.reply(session, out)
}

// routeStateful writes through the session's pinned upstream connection,
// dialing one on the first stateful call. Ids pass through unchanged; the
// forwarder goroutine copies everything the node says back to this client.
func (s *Server) routeStateful(session *Session, env *protocol.Envelope) {
	dc, err := s.ensureDedicated(session)
	if err != nil {
		s.replyUpstreamError(session, env.ID, err)
		return
	}

	if err := dc.Send(env); err != nil {
		s.replyError(session, env.ID, protocol.CodeConnectionLost, "upstream connection lost")
	}
}

func (s *Server) ensureDedicated(session *Session) (*upstream.DedicatedConn, error) {
	session.dedicatedMu.Lock()
	defer session.dedicatedMu.Unlock()

	if session.dedicated != nil {
		return session.dedicated, nil
	}

	dc, err := s.pool.AllocateDedicated(s.ctx)
	if err != nil {
		return nil, err
	}
	session.dedicated = dc
	session.logger.Debug().Msg("stateful session pinned to dedicated upstream connection")

	session.wg.Add(1)
	go logging.RecoverGoRoutine(session.logger, "dedicated_forward", func(_ context.Context) {
		defer session.wg.Done()
		s.forwardDedicated(session, dc)
	})(s.ctx)

	return dc, nil
}

// forwardDedicated copies envelopes from the pinned upstream connection to
// the owning client, in arrival order. When the upstream side drops under
// a live session, the client gets an explicit disconnect event so it knows
// its sync state is gone.
func (s *Server) forwardDedicated(session *Session, dc *upstream.DedicatedConn) {
	for env := range dc.Receive() {
		s.reply(session, env)
	}

	session.clearDedicated()
	if session.closed.Load() {
		return
	}

	upstreamDisconnectsTotal.Inc()
	session.logger.Warn().Msg("dedicated upstream connection dropped, notifying client")
	s.reply(session, &protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  disconnectMethod,
		Error: &protocol.ErrorObj{
			Code:    protocol.CodeUpstreamUnavailable,
			Message: "upstream connection lost, session state discarded",
		},
	})
}

func (s *Server) reply(session *Session, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		session.logger.Error().Err(err).Msg("failed to encode reply")
		return
	}
	if err := session.writeMessage(data); err != nil {
		return
	}
	session.counters.sent.Add(1)
}

func (s *Server) replyError(session *Session, id json.RawMessage, code int, message string) {
	s.reply(session, protocol.NewError(id, code, message))
}

// reject answers a message that was never accepted (malformed or over the
// rate ceiling). The error frame stays out of the sent count: rejections
// are not billable traffic in either direction.
func (s *Server) reject(session *Session, id json.RawMessage, code int, message string) {
	data, err := protocol.NewError(id, code, message).Encode()
	if err != nil {
		session.logger.Error().Err(err).Msg("failed to encode rejection")
		return
	}
	_ = session.writeMessage(data)
}

func (s *Server) replyUpstreamError(session *Session, id json.RawMessage, err error) {
	switch {
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		s.replyError(session, id, protocol.CodeUpstreamTimeout, "upstream call timed out")
	case errors.Is(err, upstream.ErrConnClosed):
		s.replyError(session, id, protocol.CodeConnectionLost, "upstream connection lost")
	default:
		s.replyError(session, id, protocol.CodeUpstreamUnavailable, "no upstream available")
	}
}

// handlePost serves the single-shot HTTP path: one envelope in, one out,
// same classification and cache behavior as a websocket message. Stateful
// methods need a session and are rejected here.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	identity := s.identityFromRequest(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	env, err := protocol.DecodeRequest(body)
	if err != nil {
		protocolErrorsTotal.Inc()
		s.writeJSON(w, protocol.NewError(nil, protocol.CodeProtocolError, err.Error()))
		return
	}

	// The same tier ceiling as websocket traffic, keyed on the identity
	// since single-shot requests share no session.
	if !s.postLimiter(identity).Allow() {
		rateLimitedTotal.WithLabelValues(string(identity.Tier)).Inc()
		s.writeJSON(w, protocol.NewError(env.ID, protocol.CodeRateLimitExceeded,
			fmt.Sprintf("tier %s allows %d messages per second", identity.Tier, identity.Tier.Limit())))
		return
	}

	class := protocol.Classify(env.Method)
	if class.Kind == protocol.KindStateful {
		s.writeJSON(w, protocol.NewError(env.ID, protocol.CodeProtocolError,
			fmt.Sprintf("method %s requires a websocket session", env.Method)))
		return
	}
	messagesTotal.WithLabelValues(string(identity.Tier), class.Kind.String()).Inc()

	counts := MessageCounts{
		Received: 1,
		Sent:     1,
		Methods:  map[string]int64{env.Method: 1},
	}

	var out *protocol.Envelope
	if class.Kind == protocol.KindCacheable {
		out = s.callCacheable(r.Context(), env, class.TTL, &counts)
	} else {
		out = s.callStateless(r.Context(), env)
	}
	s.writeJSON(w, out)

	s.reportSingleShot(identity, counts)
}

// postLimiter returns the rate limiter for an identity on the HTTP path,
// creating it on first use.
func (s *Server) postLimiter(identity Identity) *tierLimiter {
	key := identity.APIKeyID
	if key == "" {
		key = identity.ClientID
	}
	limiter, _ := s.postLimiters.LoadOrCompute(key, func() (*tierLimiter, bool) {
		return newTierLimiter(identity.Tier), false
	})
	return limiter
}

func (s *Server) callCacheable(ctx context.Context, env *protocol.Envelope, ttl time.Duration, counts *MessageCounts) *protocol.Envelope {
	key, err := protocol.CacheKey(env.Method, env.Params)
	if err != nil {
		return protocol.NewError(env.ID, protocol.CodeProtocolError, "unencodable params")
	}

	if cached, ok := s.cache.Get(ctx, key); ok {
		cacheHitsTotal.Inc()
		counts.CacheHits++
		return protocol.NewResult(env.ID, env.Method, cached)
	}
	cacheMissesTotal.Inc()
	counts.CacheMisses++

	reply, err := s.pool.Call(ctx, env.Method, env.Params)
	if err != nil {
		return s.upstreamErrorEnvelope(env.ID, err)
	}
	if reply.Error != nil {
		return &protocol.Envelope{Version: protocol.EnvelopeVersion, Method: env.Method, ID: env.ID, Error: reply.Error}
	}

	s.cache.Set(ctx, key, reply.Result, ttl)
	return protocol.NewResult(env.ID, env.Method, reply.Result)
}

func (s *Server) callStateless(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	reply, err := s.pool.Call(ctx, env.Method, env.Params)
	if err != nil {
		return s.upstreamErrorEnvelope(env.ID, err)
	}
	return &protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  env.Method,
		ID:      env.ID,
		Result:  reply.Result,
		Error:   reply.Error,
	}
}

func (s *Server) upstreamErrorEnvelope(id json.RawMessage, err error) *protocol.Envelope {
	switch {
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return protocol.NewError(id, protocol.CodeUpstreamTimeout, "upstream call timed out")
	case errors.Is(err, upstream.ErrConnClosed):
		return protocol.NewError(id, protocol.CodeConnectionLost, "upstream connection lost")
	default:
		return protocol.NewError(id, protocol.CodeUpstreamUnavailable, "no upstream available")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// reportSingleShot bills one HTTP request as a one-message session.
func (s *Server) reportSingleShot(identity Identity, counts MessageCounts) {
	report := UsageReport{
		APIKeyID:  identity.APIKeyID,
		UserID:    identity.UserID,
		Tier:      identity.Tier,
		Network:   identity.Network,
		ClientID:  identity.ClientID,
		IsPartial: false,
		Messages:  counts,
		Timestamp: time.Now().UTC(),
	}

	ctx := context.WithoutCancel(s.ctx)
	s.workerPool.Submit(func() {
		s.reporter.Report(ctx, report)
	})
	usageReportsSubmitted.WithLabelValues("false").Inc()
}
