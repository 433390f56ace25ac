package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/adagate/adagate/logging"
	"github.com/adagate/adagate/upstream"
)

// Identity is the caller identity resolved by the edge proxy and trusted
// from request headers. API key validation happens at the edge, never here.
type Identity struct {
	ClientID string
	UserID   string
	APIKeyID string
	Tier     Tier
	Network  string
}

// Counters accumulates per-session usage between flushes. Snapshot resets
// everything atomically enough for billing: a message landing during a
// snapshot is counted in the next report, never twice.
type Counters struct {
	sent        atomic.Int64
	received    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	rateLimited atomic.Int64

	methods *xsync.Map[string, *atomic.Int64]
}

func newCounters() *Counters {
	return &Counters{methods: xsync.NewMap[string, *atomic.Int64]()}
}

func (c *Counters) countMethod(method string) {
	counter, _ := c.methods.LoadOrStore(method, &atomic.Int64{})
	counter.Add(1)
}

// MessageCounts is the usage breakdown inside one report.
type MessageCounts struct {
	Sent        int64            `json:"sent"`
	Received    int64            `json:"received"`
	CacheHits   int64            `json:"cacheHits"`
	CacheMisses int64            `json:"cacheMisses"`
	RateLimited int64            `json:"rateLimited"`
	Methods     map[string]int64 `json:"methods,omitempty"`
}

// Snapshot drains the counters and returns what accumulated since the last
// snapshot.
func (c *Counters) Snapshot() MessageCounts {
	counts := MessageCounts{
		Sent:        c.sent.Swap(0),
		Received:    c.received.Swap(0),
		CacheHits:   c.cacheHits.Swap(0),
		CacheMisses: c.cacheMisses.Swap(0),
		RateLimited: c.rateLimited.Swap(0),
	}

	c.methods.Range(func(method string, counter *atomic.Int64) bool {
		if n := counter.Swap(0); n > 0 {
			if counts.Methods == nil {
				counts.Methods = make(map[string]int64)
			}
			counts.Methods[method] = n
		}
		return true
	})

	return counts
}

// Session is one connected client: its identity, its websocket, its usage
// counters, and (once it issues a stateful call) its pinned upstream
// connection.
type Session struct {
	ID        string
	Identity  Identity
	CreatedAt time.Time

	logger   logging.Logger
	ws       *websocket.Conn
	writeMu  sync.Mutex
	limiter  *tierLimiter
	counters *Counters

	// dedicated is nil until the first stateful method pins an upstream
	// connection. Guarded by dedicatedMu; the binding is set once and
	// cleared only when the upstream side drops.
	dedicatedMu sync.Mutex
	dedicated   *upstream.DedicatedConn

	closed atomic.Bool
	wg     sync.WaitGroup
}

func newSession(logger logging.Logger, id string, identity Identity, ws *websocket.Conn) *Session {
	return &Session{
		ID:        id,
		Identity:  identity,
		CreatedAt: time.Now(),
		logger: logging.ForSession(logging.ForComponent(logger, logging.ComponentSession), id).With().
			Str(logging.FieldTier, string(identity.Tier)).
			Str(logging.FieldUserID, identity.UserID).
			Logger(),
		ws:       ws,
		limiter:  newTierLimiter(identity.Tier),
		counters: newCounters(),
	}
}

// writeMessage sends one frame to the client. All writers go through here;
// gorilla allows only one concurrent writer per connection.
func (s *Session) writeMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// dedicatedConn returns the pinned upstream binding, or nil.
func (s *Session) dedicatedConn() *upstream.DedicatedConn {
	s.dedicatedMu.Lock()
	defer s.dedicatedMu.Unlock()
	return s.dedicated
}

// clearDedicated drops the binding after an upstream-side close.
func (s *Session) clearDedicated() {
	s.dedicatedMu.Lock()
	s.dedicated = nil
	s.dedicatedMu.Unlock()
}

// close tears the session down: the pinned upstream connection first so its
// forwarder drains, then the client socket.
func (s *Session) close() {
	if s.closed.Swap(true) {
		return
	}

	s.dedicatedMu.Lock()
	dedicated := s.dedicated
	s.dedicated = nil
	s.dedicatedMu.Unlock()

	if dedicated != nil {
		dedicated.Close()
	}

	_ = s.ws.Close()
	s.wg.Wait()
}
