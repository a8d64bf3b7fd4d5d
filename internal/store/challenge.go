package store

import (
	"encoding/json"
	"time"
)

// ChallengeType discriminates the credential verification flavors.
type ChallengeType string

const (
	ChallengeOTP       ChallengeType = "otp"
	ChallengeWebAuthn  ChallengeType = "webauthn"
	ChallengeMagicLink ChallengeType = "magic_link"
	ChallengeDevice    ChallengeType = "device"
)

// Challenge is a single-use credential challenge keyed "{kind}:{session_key}".
type Challenge struct {
	ID        string
	Type      ChallengeType
	UserID    string
	Hash      string // SHA-256 of the secret (OTP code, magic-link token, ...)
	Email     string
	Metadata  json.RawMessage
	ExpiresAt time.Time
	Consumed  bool
}

// ChallengeID builds the canonical "{kind}:{session_key}" identifier.
func ChallengeID(kind ChallengeType, sessionKey string) string {
	return string(kind) + ":" + sessionKey
}

// ChallengeStore holds pending challenges. Consume is a single
// compare-and-set: first caller wins, every later caller gets
// ErrAlreadyConsumed.
type ChallengeStore struct {
	m   *shardMap[Challenge]
	now clock
}

// NewChallengeStore creates the store with the given shard count.
func NewChallengeStore(shards int) *ChallengeStore {
	return &ChallengeStore{m: newShardMap[Challenge](shards), now: defaultClock}
}

// Store persists a challenge with the given TTL.
func (s *ChallengeStore) Store(ch Challenge, ttl time.Duration) Challenge {
	ch.ExpiresAt = s.now().Add(ttl)
	ch.Consumed = false
	s.m.write(ch.ID, func(items map[string]Challenge) {
		items[ch.ID] = ch
	})
	return ch
}

// ConsumeAtomic marks the challenge consumed and returns it. Fails with
// ErrNotFound, ErrExpired or ErrAlreadyConsumed; the type must match the
// stored record.
func (s *ChallengeStore) ConsumeAtomic(id string, typ ChallengeType) (Challenge, error) {
	var (
		rec Challenge
		err error
	)
	s.m.write(id, func(items map[string]Challenge) {
		ch, ok := items[id]
		if !ok || ch.Type != typ {
			err = ErrNotFound
			return
		}
		if ch.Consumed {
			err = ErrAlreadyConsumed
			return
		}
		if s.now().After(ch.ExpiresAt) {
			err = ErrExpired
			return
		}
		ch.Consumed = true
		items[id] = ch
		rec = ch
	})
	return rec, err
}

// Peek returns the challenge without consuming it (for resend flows).
func (s *ChallengeStore) Peek(id string) (Challenge, bool) {
	return s.m.get(id)
}

// PruneExpired drops challenges past expiry.
func (s *ChallengeStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, ch Challenge) bool {
		return now.After(ch.ExpiresAt)
	})
}
