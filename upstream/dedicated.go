package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/protocol"
)

// DedicatedConn is a private upstream connection bound to one stateful
// client session. It preserves server-side protocol state (sync cursor,
// mempool subscription), so frames pass through with the client's own ids
// and in the order sent: one writer, one reader, no correlation table.
//
// The connection's lifetime is strictly bounded by the owning session's
// lifetime; the session must Close it on disconnect. There is no reconnect:
// a drop is surfaced to the session via the receive channel closing.
type DedicatedConn struct {
	logger logging.Logger
	ws     *websocket.Conn

	writeMu sync.Mutex
	recv    chan *protocol.Envelope
	closed  atomic.Bool

	wg sync.WaitGroup
}

// dialDedicated opens a fresh connection for one stateful session.
func dialDedicated(ctx context.Context, logger logging.Logger, endpoint string, dialTimeout time.Duration) (*DedicatedConn, error) {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	d := &DedicatedConn{
		logger: logging.ForEndpoint(logger, logging.ComponentUpstreamConn, endpoint),
		ws:     ws,
		recv:   make(chan *protocol.Envelope, 256),
	}

	dedicatedConnsActive.Inc()

	d.wg.Add(1)
	go logging.RecoverGoRoutine(d.logger, "dedicated_read", func(_ context.Context) {
		defer d.wg.Done()
		d.readLoop()
	})(ctx)

	return d, nil
}

// readLoop forwards every envelope from the node, in order, to the owning
// session. Both correlated replies and unsolicited roll-forward /
// roll-backward events travel this path.
func (d *DedicatedConn) readLoop() {
	defer close(d.recv)

	for {
		_, data, err := d.ws.ReadMessage()
		if err != nil {
			if !d.closed.Load() {
				d.logger.Warn().Err(err).Msg("dedicated upstream connection dropped")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			d.logger.Warn().Err(err).Msg("undecodable message on dedicated connection dropped")
			continue
		}

		d.recv <- env
	}
}

// Send writes one request envelope upstream, preserving the client's id.
func (d *DedicatedConn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.closed.Load() {
		return ErrConnClosed
	}

	_ = d.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	if err := d.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return ErrConnClosed
	}
	return nil
}

// Receive returns the ordered stream of envelopes from the node. The channel
// closes when the connection drops or Close is called.
func (d *DedicatedConn) Receive() <-chan *protocol.Envelope {
	return d.recv
}

// Close tears down the connection. Safe to call more than once.
func (d *DedicatedConn) Close() {
	if d.closed.Swap(true) {
		return
	}

	dedicatedConnsActive.Dec()
	_ = d.ws.Close()
	d.wg.Wait()
}
