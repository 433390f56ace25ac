package protocol

import "time"

// MethodKind classifies how the gateway routes a method.
type MethodKind int

const (
	// KindStateless methods are load-balanced per request and never cached.
	KindStateless MethodKind = iota

	// KindCacheable methods are stateless and safe to serve from the shared
	// response cache for the method's TTL.
	KindCacheable

	// KindStateful methods require continuity on a single upstream
	// connection for the remaining lifetime of the client session.
	KindStateful
)

// String returns the lower-case kind name used as a metric label.
func (k MethodKind) String() string {
	switch k {
	case KindCacheable:
		return "cacheable"
	case KindStateful:
		return "stateful"
	default:
		return "stateless"
	}
}

// MethodClass describes the routing class and cache TTL of one method.
type MethodClass struct {
	Kind MethodKind
	TTL  time.Duration
}

// methodTable is the static method classification table.
//
// Stateful methods are the chain-synchronization and mempool-watch protocol
// cycle plus transaction submission/evaluation: they hold a server-side
// cursor and must not be load-balanced per request.
//
// Cache TTLs range from 10 seconds for tip-like queries to 24 hours for
// genesis and era data that only changes at hard forks.
var methodTable = map[string]MethodClass{
	// Stateful: chain synchronization
	"findIntersection": {Kind: KindStateful},
	"nextBlock":        {Kind: KindStateful},

	// Stateful: transaction submission/evaluation
	"submitTransaction":   {Kind: KindStateful},
	"evaluateTransaction": {Kind: KindStateful},

	// Stateful: mempool watch
	"acquireMempool":  {Kind: KindStateful},
	"nextTransaction": {Kind: KindStateful},
	"hasTransaction":  {Kind: KindStateful},
	"sizeOfMempool":   {Kind: KindStateful},
	"releaseMempool":  {Kind: KindStateful},

	// Cacheable stateless queries
	"queryNetwork/tip":                    {Kind: KindCacheable, TTL: 10 * time.Second},
	"queryNetwork/blockHeight":            {Kind: KindCacheable, TTL: 10 * time.Second},
	"queryLedgerState/tip":                {Kind: KindCacheable, TTL: 10 * time.Second},
	"queryLedgerState/epoch":              {Kind: KindCacheable, TTL: 60 * time.Second},
	"queryLedgerState/protocolParameters": {Kind: KindCacheable, TTL: 5 * time.Minute},
	"queryLedgerState/stakePools":         {Kind: KindCacheable, TTL: 10 * time.Minute},
	"queryLedgerState/eraSummaries":       {Kind: KindCacheable, TTL: 24 * time.Hour},
	"queryNetwork/genesisConfiguration":   {Kind: KindCacheable, TTL: 24 * time.Hour},
	"queryNetwork/startTime":              {Kind: KindCacheable, TTL: 24 * time.Hour},
}

// Classify returns the routing class for a method. Methods absent from the
// table are plain stateless queries: forwarded round-robin, never cached.
func Classify(method string) MethodClass {
	if class, ok := methodTable[method]; ok {
		return class
	}
	return MethodClass{Kind: KindStateless}
}

// CacheTTL returns the cache TTL for a method and whether the method is
// cacheable at all.
func CacheTTL(method string) (time.Duration, bool) {
	class, ok := methodTable[method]
	if !ok || class.Kind != KindCacheable {
		return 0, false
	}
	return class.TTL, true
}

// IsStateful reports whether a method pins its session to one upstream
// connection.
func IsStateful(method string) bool {
	return Classify(method).Kind == KindStateful
}
