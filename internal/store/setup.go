package store

import (
	"crypto/subtle"
	"time"
)

// setup token keys. The store is tiny but the exclusivity rules matter:
// once the completed marker exists, no further token can ever be stored.
const (
	setupTokenKey     = "setup:token"
	setupCompletedKey = "setup:completed"
)

// SetupStore holds the initial admin setup token under an exclusive key
// with at-most-once completion semantics.
type SetupStore struct {
	m   *shardMap[setupEntry]
	now clock
}

type setupEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry (completed marker)
}

// NewSetupStore creates the store. A single shard suffices; both keys hash
// into the same space and every mutation is serialized anyway.
func NewSetupStore() *SetupStore {
	return &SetupStore{m: newShardMap[setupEntry](1), now: defaultClock}
}

// StoreToken stores the setup token with the given TTL. Fails with
// ErrSetupCompleted once setup has completed, and with ErrAlreadyConsumed
// while an unexpired token is already outstanding.
func (s *SetupStore) StoreToken(token string, ttl time.Duration) error {
	var err error
	s.m.write(setupTokenKey, func(items map[string]setupEntry) {
		if _, done := items[setupCompletedKey]; done {
			err = ErrSetupCompleted
			return
		}
		if cur, ok := items[setupTokenKey]; ok && s.now().Before(cur.expiresAt) {
			err = ErrAlreadyConsumed
			return
		}
		items[setupTokenKey] = setupEntry{value: token, expiresAt: s.now().Add(ttl)}
	})
	return err
}

// ConsumeToken validates the presented token and, on success, atomically
// sets the completed marker. At most one caller can ever succeed.
func (s *SetupStore) ConsumeToken(token string) error {
	err := ErrNotFound
	s.m.write(setupTokenKey, func(items map[string]setupEntry) {
		if _, done := items[setupCompletedKey]; done {
			err = ErrSetupCompleted
			return
		}
		cur, ok := items[setupTokenKey]
		if !ok {
			return
		}
		if s.now().After(cur.expiresAt) {
			err = ErrExpired
			return
		}
		if subtle.ConstantTimeCompare([]byte(cur.value), []byte(token)) != 1 {
			err = ErrNotFound
			return
		}
		delete(items, setupTokenKey)
		items[setupCompletedKey] = setupEntry{value: "true"}
		err = nil
	})
	return err
}

// Completed reports whether initial setup has finished.
func (s *SetupStore) Completed() bool {
	_, ok := s.m.get(setupCompletedKey)
	return ok
}
