package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// tierLimiter enforces the per-session message ceiling for a tier. It wraps
// a token bucket whose rate and burst both equal the tier ceiling, so a
// client gets at most N messages in any one-second window. ADMIN sessions
// carry a nil bucket and always pass.
//
// The clock is injectable so tests can drive the bucket with fixed
// timestamps instead of sleeping.
type tierLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

func newTierLimiter(tier Tier) *tierLimiter {
	l := &tierLimiter{now: time.Now}

	if ceiling := tier.Limit(); ceiling > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(ceiling), ceiling)
	}
	return l
}

// Allow reports whether one more message may be processed now.
func (l *tierLimiter) Allow() bool {
	if l.bucket == nil {
		return true
	}
	return l.bucket.AllowN(l.now(), 1)
}
