// Package upstream owns the physical WebSocket connections to the chain-node
// endpoints. It exposes two surfaces: pooled send-and-await-one-reply calls
// for stateless queries, and dedicated per-session connections for stateful
// protocol sessions.
package upstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/protocol"
)

// Reconnect backoff parameters for pooled connections. The delay grows
// geometrically per attempt up to the attempt cap; past the cap the
// endpoint is treated as down and redials drop to a slow idle cadence
// until one succeeds. Callers fail fast the whole time the connection is
// down.
const (
	reconnectBaseDelay   = 500 * time.Millisecond
	reconnectMaxDelay    = 30 * time.Second
	reconnectMaxAttempts = 10
	reconnectIdleDelay   = time.Minute

	// defaultCallTimeout bounds one stateless request/reply round trip.
	// Some ledger queries are inherently slow.
	defaultCallTimeout = 30 * time.Second

	// defaultDialTimeout bounds the WebSocket handshake.
	defaultDialTimeout = 10 * time.Second

	// connWriteWait is the time allowed to write a frame to the peer.
	connWriteWait = 10 * time.Second
)

// ConnState is the lifecycle state of an upstream connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

// Conn is one pooled connection to an upstream node endpoint, carrying
// stateless traffic for many client sessions. Requests are correlated to
// replies via a locally generated monotonic id held in a per-connection
// pending table; there is no cross-connection sharing.
type Conn struct {
	logger   logging.Logger
	endpoint string
	dialer   *websocket.Dialer

	callTimeout time.Duration

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex
	ws      *websocket.Conn

	state atomic.Int32

	// pending correlates request id to the waiting caller. One table per
	// connection, guarded by its own mutex.
	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.Envelope

	nextID   atomic.Uint64
	attempts atomic.Int64

	// Lifecycle
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

func newConn(logger logging.Logger, endpoint string, callTimeout, dialTimeout time.Duration) *Conn {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return &Conn{
		logger:      logging.ForEndpoint(logger, logging.ComponentUpstreamConn, endpoint),
		endpoint:    endpoint,
		dialer:      &websocket.Dialer{HandshakeTimeout: dialTimeout},
		callTimeout: callTimeout,
		pending:     make(map[uint64]chan *protocol.Envelope),
	}
}

// Endpoint returns the node endpoint address this connection dials.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// start dials the endpoint and runs the read/reconnect loop until ctx ends.
func (c *Conn) start(ctx context.Context) {
	c.ctx, c.cancelFn = context.WithCancel(ctx)

	c.wg.Add(1)
	go logging.RecoverGoRoutine(c.logger, "upstream_conn_loop", func(ctx context.Context) {
		defer c.wg.Done()
		c.connectLoop(ctx)
	})(c.ctx)
}

// connectLoop dials, serves one connection until it drops, then redials with
// geometric backoff up to the attempt cap.
func (c *Conn) connectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.state.Store(int32(StateConnecting))

		ws, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			attempt := c.attempts.Add(1)
			delay := nextReconnectDelay(attempt)
			connReconnects.WithLabelValues(c.endpoint).Inc()

			if attempt == reconnectMaxAttempts {
				c.logger.Error().
					Err(err).
					Int64(logging.FieldAttempt, attempt).
					Msg("reconnect attempts exhausted, endpoint down, redialing at idle cadence")
			} else {
				c.logger.Warn().
					Err(err).
					Int64(logging.FieldAttempt, attempt).
					Dur("retry_in", delay).
					Msg("upstream dial failed, will retry")
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// Connected: reset backoff and serve until the read loop exits.
		c.attempts.Store(0)

		c.writeMu.Lock()
		c.ws = ws
		c.writeMu.Unlock()
		c.state.Store(int32(StateOpen))
		connsOpen.WithLabelValues(c.endpoint).Set(1)
		c.logger.Info().Msg("upstream connection open")

		c.readLoop(ctx, ws)

		// Connection dropped: fail every in-flight request on this
		// connection, then go back around to redial.
		c.state.Store(int32(StateClosed))
		connsOpen.WithLabelValues(c.endpoint).Set(0)
		c.failAllPending()
		_ = ws.Close()
	}
}

// readLoop decodes inbound envelopes and fulfills waiting callers. Envelopes
// without a known correlation id (unsolicited events) are dropped on pooled
// connections: stateless traffic never subscribes to anything.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("upstream read failed")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable upstream message dropped")
			continue
		}

		id, ok := parseNumericID(env.ID)
		if !ok {
			continue
		}

		c.pendingMu.Lock()
		waiter, found := c.pending[id]
		if found {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		if found {
			waiter <- env
		}
	}
}

// Call sends one request and awaits the correlated reply. A request with no
// reply within the call timeout fails with ErrUpstreamTimeout; the
// connection stays open and the pending entry is removed.
func (c *Conn) Call(ctx context.Context, method string, params []byte) (*protocol.Envelope, error) {
	if c.State() != StateOpen {
		return nil, ErrConnClosed
	}

	id := c.nextID.Add(1)
	env := &protocol.Envelope{
		Version: protocol.EnvelopeVersion,
		Method:  method,
		Params:  params,
		ID:      []byte(strconv.FormatUint(id, 10)),
	}

	data, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	// Buffered so a late reply never blocks the read loop.
	waiter := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	if err := c.write(data); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
	}

	callsTotal.WithLabelValues(c.endpoint, method).Inc()
	start := time.Now()

	select {
	case reply := <-waiter:
		callDuration.WithLabelValues(c.endpoint).Observe(time.Since(start).Seconds())
		if reply == nil {
			return nil, ErrConnClosed
		}
		return reply, nil

	case <-time.After(c.callTimeout):
		c.removePending(id)
		callTimeouts.WithLabelValues(c.endpoint).Inc()
		return nil, ErrUpstreamTimeout

	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ws == nil || c.State() != StateOpen {
		return ErrConnClosed
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failAllPending fulfills every waiter with nil, which Call surfaces as
// ErrConnClosed.
func (c *Conn) failAllPending() {
	c.pendingMu.Lock()
	waiters := c.pending
	c.pending = make(map[uint64]chan *protocol.Envelope)
	c.pendingMu.Unlock()

	for _, waiter := range waiters {
		waiter <- nil
	}

	if len(waiters) > 0 {
		c.logger.Warn().Int(logging.FieldCount, len(waiters)).Msg("failed in-flight requests on dropped connection")
	}
}

// close tears down the connection and stops the reconnect loop.
func (c *Conn) close() {
	if c.cancelFn != nil {
		c.cancelFn()
	}

	c.state.Store(int32(StateClosed))

	c.writeMu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.writeMu.Unlock()

	c.wg.Wait()
	c.failAllPending()
}

// nextReconnectDelay returns the wait before redial attempt+1. The delay
// doubles from the base up to the max; once the attempt cap is exhausted
// redials settle into the idle cadence until one succeeds.
func nextReconnectDelay(attempt int64) time.Duration {
	if attempt >= reconnectMaxAttempts {
		return reconnectIdleDelay
	}
	if attempt > 8 {
		return reconnectMaxDelay
	}
	delay := reconnectBaseDelay << (attempt - 1)
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// parseNumericID extracts the locally generated correlation id from a reply
// envelope. Pooled requests always carry plain numeric ids.
func parseNumericID(raw []byte) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
