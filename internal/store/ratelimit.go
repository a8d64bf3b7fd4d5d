package store

import (
	"time"
)

// RateDecision is the outcome of one counter increment.
type RateDecision struct {
	Allowed    bool
	Current    int
	Limit      int
	RetryAfter int // seconds until the window rolls over; 0 when allowed
}

type rateWindow struct {
	windowStart int64 // unix seconds, floor(now/window)*window
	count       int
}

// RateLimiter implements fixed-window counters sharded by key. The window
// boundary is floor(now / windowSeconds) * windowSeconds, so all callers
// agree on the same window regardless of when they first hit the key.
type RateLimiter struct {
	m   *shardMap[rateWindow]
	now clock
}

// NewRateLimiter creates the limiter with the given shard count.
func NewRateLimiter(shards int) *RateLimiter {
	return &RateLimiter{m: newShardMap[rateWindow](shards), now: defaultClock}
}

// Increment counts one request against key within the fixed window and
// reports whether it is allowed.
func (l *RateLimiter) Increment(key string, windowSeconds, maxRequests int) RateDecision {
	nowSec := l.now().Unix()
	windowStart := (nowSec / int64(windowSeconds)) * int64(windowSeconds)

	var d RateDecision
	l.m.write(key, func(items map[string]rateWindow) {
		w, ok := items[key]
		if !ok || w.windowStart != windowStart {
			w = rateWindow{windowStart: windowStart}
		}
		w.count++
		items[key] = w

		d = RateDecision{
			Allowed: w.count <= maxRequests,
			Current: w.count,
			Limit:   maxRequests,
		}
		if !d.Allowed {
			d.RetryAfter = int(windowStart + int64(windowSeconds) - nowSec)
			if d.RetryAfter <= 0 {
				d.RetryAfter = 1
			}
		}
	})
	return d
}

// PruneExpired drops windows older than the largest window we ever use.
func (l *RateLimiter) PruneExpired(maxWindow time.Duration) int {
	cutoff := l.now().Add(-maxWindow).Unix()
	return l.m.sweep(func(_ string, w rateWindow) bool {
		return w.windowStart < cutoff
	})
}
