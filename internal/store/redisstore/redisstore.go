// Package redisstore provides Redis-backed implementations of the replay
// barrier and fixed-window rate counter for multi-node deployments, where
// an in-process shard map cannot see traffic handled by its peers.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyfold/keyfold/internal/store"
)

// JTIStore is the DPoP replay barrier backed by SET NX PX: the first writer
// of a jti wins, and the key evaporates with the proof's validity window.
type JTIStore struct {
	client *redis.Client
}

// NewJTIStore wraps an existing Redis client.
func NewJTIStore(client *redis.Client) *JTIStore {
	return &JTIStore{client: client}
}

// Seen reports whether this is the first appearance of jti within ttl.
func (s *JTIStore) Seen(jti string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := s.client.SetNX(ctx, "dpop:jti:"+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("jti barrier: %w", err)
	}
	return ok, nil
}

// RateLimiter implements the fixed-window counter over INCR + EXPIRE. The
// window boundary is encoded into the key so all nodes agree on it.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRateLimiter wraps an existing Redis client.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Increment counts one request against key within the fixed window.
func (l *RateLimiter) Increment(ctx context.Context, key string, windowSeconds, maxRequests int) (store.RateDecision, error) {
	nowSec := l.now().Unix()
	windowStart := (nowSec / int64(windowSeconds)) * int64(windowSeconds)
	redisKey := fmt.Sprintf("rate:%s:%d", key, windowStart)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, time.Duration(windowSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.RateDecision{}, fmt.Errorf("rate counter: %w", err)
	}

	current := int(incr.Val())
	d := store.RateDecision{
		Allowed: current <= maxRequests,
		Current: current,
		Limit:   maxRequests,
	}
	if !d.Allowed {
		d.RetryAfter = int(windowStart + int64(windowSeconds) - nowSec)
		if d.RetryAfter <= 0 {
			d.RetryAfter = 1
		}
	}
	return d, nil
}
