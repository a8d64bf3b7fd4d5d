package store

import (
	"time"
)

// JTIStore is the replay barrier for DPoP proofs: Seen returns true exactly
// once per jti within its TTL window. Implemented in-process here and by
// redisstore for multi-node deployments.
type JTIStore interface {
	Seen(jti string, ttl time.Duration) (bool, error)
}

// DPoPJTIStore is the sharded in-process JTI replay barrier.
type DPoPJTIStore struct {
	m   *shardMap[time.Time] // jti -> expiry
	now clock
}

// NewDPoPJTIStore creates the store with the given shard count.
func NewDPoPJTIStore(shards int) *DPoPJTIStore {
	return &DPoPJTIStore{m: newShardMap[time.Time](shards), now: defaultClock}
}

// Seen records the jti and reports whether this was its first appearance
// within the TTL window. The check-and-insert is one compare-and-set.
func (s *DPoPJTIStore) Seen(jti string, ttl time.Duration) (bool, error) {
	first := false
	now := s.now()
	s.m.write(jti, func(items map[string]time.Time) {
		expiry, ok := items[jti]
		if ok && now.Before(expiry) {
			return // replay
		}
		items[jti] = now.Add(ttl)
		first = true
	})
	return first, nil
}

// PruneExpired drops jtis whose window has passed.
func (s *DPoPJTIStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, expiry time.Time) bool {
		return now.After(expiry)
	})
}
