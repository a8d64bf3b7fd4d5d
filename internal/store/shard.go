// Package store implements the sharded single-writer stores that hold all
// mutable protocol state: sessions, authorization codes, refresh families,
// challenges, device codes, DPoP JTIs, revocations, PAR requests, rate
// counters and flow state.
//
// The namespace of each store is split into a power-of-two number of shards.
// Every mutation runs under the owning shard's lock, which gives strict
// serial order within a shard: consume operations are a single
// compare-and-set, and two concurrent consumes of the same key produce
// exactly one winner. No ordering is guaranteed across shards.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// shardMap is the generic hash-to-shard dispatcher. V is the record type.
type shardMap[V any] struct {
	shards []*shard[V]
	mask   uint64
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// newShardMap creates a map with n shards. n must be a power of two.
func newShardMap[V any](n int) *shardMap[V] {
	if n <= 0 || n&(n-1) != 0 {
		panic("shard count must be a power of two")
	}
	shards := make([]*shard[V], n)
	for i := range shards {
		shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return &shardMap[V]{shards: shards, mask: uint64(n - 1)}
}

// shardFor routes a key to its owning shard: the first 8 bytes of
// SHA-256(key) interpreted big-endian, masked to the shard count.
func (m *shardMap[V]) shardFor(key string) *shard[V] {
	sum := sha256.Sum256([]byte(key))
	return m.shards[binary.BigEndian.Uint64(sum[:8])&m.mask]
}

// write runs fn serialized on the shard owning key.
func (m *shardMap[V]) write(key string, fn func(items map[string]V)) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.items)
}

// get returns the last committed value for key.
func (m *shardMap[V]) get(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

// sweep visits every shard in turn and deletes entries for which fn returns
// true. Used by expiry pruning; shards are locked one at a time.
func (m *shardMap[V]) sweep(fn func(key string, v V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// len returns the total entry count across shards.
func (m *shardMap[V]) len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// clock is overridable in tests.
type clock func() time.Time

func defaultClock() time.Time { return time.Now() }
