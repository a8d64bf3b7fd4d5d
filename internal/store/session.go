package store

import (
	"time"
)

// Session is an authenticated browser session. Lifetime is the minimum of
// the absolute TTL and the idle TTL measured from the last touch.
type Session struct {
	ID        string
	UserID    string
	TenantID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	AMR       []string
	ACR       string
	Revoked   bool
}

// SessionStore holds sessions sharded by session ID.
type SessionStore struct {
	m   *shardMap[Session]
	now clock
}

// NewSessionStore creates a session store with the given shard count.
func NewSessionStore(shards int) *SessionStore {
	return &SessionStore{m: newShardMap[Session](shards), now: defaultClock}
}

// Create stores a new session. expires_at is never before created_at.
func (s *SessionStore) Create(sess Session) Session {
	now := s.now()
	sess.CreatedAt = now
	if sess.ExpiresAt.Before(now) {
		sess.ExpiresAt = now
	}
	s.m.write(sess.ID, func(items map[string]Session) {
		items[sess.ID] = sess
	})
	return sess
}

// Get returns the session if it is active: present, unexpired, not revoked.
func (s *SessionStore) Get(id string) (Session, error) {
	sess, ok := s.m.get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Revoked {
		return Session{}, ErrRevoked
	}
	if s.now().After(sess.ExpiresAt) {
		return Session{}, ErrExpired
	}
	return sess, nil
}

// Touch extends the session expiry, typically on activity. The new expiry
// never moves backwards.
func (s *SessionStore) Touch(id string, newExpiry time.Time) error {
	err := ErrNotFound
	s.m.write(id, func(items map[string]Session) {
		sess, ok := items[id]
		if !ok || sess.Revoked {
			return
		}
		if newExpiry.After(sess.ExpiresAt) {
			sess.ExpiresAt = newExpiry
		}
		items[id] = sess
		err = nil
	})
	return err
}

// Revoke marks the session revoked. Idempotent.
func (s *SessionStore) Revoke(id string) {
	s.m.write(id, func(items map[string]Session) {
		sess, ok := items[id]
		if !ok {
			return
		}
		sess.Revoked = true
		items[id] = sess
	})
}

// PruneExpired drops sessions past their expiry. Returns the number removed.
func (s *SessionStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, sess Session) bool {
		return now.After(sess.ExpiresAt)
	})
}
