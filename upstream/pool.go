package upstream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/protocol"
)

// PoolConfig configures the shared upstream connection pool.
type PoolConfig struct {
	// Endpoints lists the websocket URLs of the backing nodes. One pooled
	// connection is maintained per endpoint for the life of the pool.
	Endpoints []string

	// CallTimeout bounds each request/reply exchange on a pooled connection.
	CallTimeout time.Duration

	// DialTimeout bounds the websocket handshake, both for pooled
	// connections and for dedicated connections allocated to sessions.
	DialTimeout time.Duration
}

// Pool multiplexes stateless traffic over one long-lived connection per
// configured endpoint and hands out dedicated connections for stateful
// sessions. Pooled connections reconnect on their own; a dedicated
// connection belongs to exactly one session and dies with it.
type Pool struct {
	logger logging.Logger
	config PoolConfig

	conns   []*Conn
	rrIndex atomic.Uint64

	started atomic.Bool
}

// NewPool builds a pool for the given endpoints. Connections are not dialed
// until Start.
func NewPool(logger logging.Logger, config PoolConfig) (*Pool, error) {
	if len(config.Endpoints) == 0 {
		return nil, errors.New("upstream pool requires at least one endpoint")
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}

	poolLogger := logging.ForComponent(logger, logging.ComponentUpstreamPool)

	conns := make([]*Conn, 0, len(config.Endpoints))
	for _, endpoint := range config.Endpoints {
		conns = append(conns, newConn(logger, endpoint, config.CallTimeout, config.DialTimeout))
	}

	return &Pool{
		logger: poolLogger,
		config: config,
		conns:  conns,
	}, nil
}

// Start dials every pooled connection. Each connection keeps itself alive
// with backoff until the pool closes, so Start never fails: endpoints that
// are down at startup come online when they recover.
func (p *Pool) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}

	p.logger.Info().
		Int("endpoints", len(p.conns)).
		Msg("starting upstream pool")

	for _, conn := range p.conns {
		conn.start(ctx)
	}
}

// Call forwards one stateless request over any open pooled connection,
// selected round-robin. When every connection is down it fails fast with
// ErrUpstreamUnavailable instead of queueing.
func (p *Pool) Call(ctx context.Context, method string, params []byte) (*protocol.Envelope, error) {
	n := uint64(len(p.conns))
	start := p.rrIndex.Add(1)

	for i := uint64(0); i < n; i++ {
		conn := p.conns[(start+i)%n]
		if conn.State() != StateOpen {
			continue
		}
		return conn.Call(ctx, method, params)
	}

	poolExhausted.Inc()
	return nil, ErrUpstreamUnavailable
}

// OpenConns reports how many pooled connections are currently usable.
func (p *Pool) OpenConns() int {
	open := 0
	for _, conn := range p.conns {
		if conn.State() == StateOpen {
			open++
		}
	}
	return open
}

// Healthy reports whether at least one pooled connection is open. Used by
// the readiness probe.
func (p *Pool) Healthy() bool {
	return p.OpenConns() > 0
}

// AllocateDedicated dials a fresh connection for one stateful session,
// round-robin over the configured endpoints. The caller owns the connection
// and must Close it when the session ends.
func (p *Pool) AllocateDedicated(ctx context.Context) (*DedicatedConn, error) {
	n := uint64(len(p.conns))
	start := p.rrIndex.Add(1)

	var lastErr error
	for i := uint64(0); i < n; i++ {
		endpoint := p.config.Endpoints[(start+i)%n]

		dc, err := dialDedicated(ctx, p.logger, endpoint, p.config.DialTimeout)
		if err != nil {
			lastErr = err
			p.logger.Warn().
				Err(err).
				Str(logging.FieldEndpoint, endpoint).
				Msg("dedicated dial failed, trying next endpoint")
			continue
		}
		return dc, nil
	}

	poolExhausted.Inc()
	p.logger.Error().Err(lastErr).Msg("no endpoint accepted a dedicated connection")
	return nil, ErrUpstreamUnavailable
}

// Close tears down every pooled connection and fails their in-flight calls.
func (p *Pool) Close() {
	for _, conn := range p.conns {
		conn.close()
	}
	p.logger.Info().Msg("upstream pool closed")
}
