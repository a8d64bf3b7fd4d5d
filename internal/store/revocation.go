package store

import (
	"time"
)

// TokenRevocationStore blacklists access token jtis until their natural
// expiry and remembers revoked refresh families. Access tokens minted
// alongside a refresh token are bound to its family so a family revocation
// blacklists them too. Entries are TTL-pruned by the janitor.
type TokenRevocationStore struct {
	jtis     *shardMap[time.Time] // jti -> token expiry
	families *shardMap[time.Time] // family id -> revocation time
	byFamily *shardMap[[]boundJTI]
	now      clock
}

type boundJTI struct {
	jti       string
	expiresAt time.Time
}

// NewTokenRevocationStore creates the store with the given shard count.
func NewTokenRevocationStore(shards int) *TokenRevocationStore {
	return &TokenRevocationStore{
		jtis:     newShardMap[time.Time](shards),
		families: newShardMap[time.Time](shards),
		byFamily: newShardMap[[]boundJTI](shards),
		now:      defaultClock,
	}
}

// RevokeAccessJTI blacklists an access token until it would expire anyway.
// Idempotent.
func (s *TokenRevocationStore) RevokeAccessJTI(jti string, expiresAt time.Time) {
	s.jtis.write(jti, func(items map[string]time.Time) {
		items[jti] = expiresAt
	})
}

// BindAccessJTI links an access token to the refresh family it was minted
// with. Revoking the family then blacklists the token as well. Binding to
// an already-revoked family blacklists immediately.
func (s *TokenRevocationStore) BindAccessJTI(familyID, jti string, expiresAt time.Time) {
	if familyID == "" || jti == "" {
		return
	}
	if _, revoked := s.families.get(familyID); revoked {
		s.RevokeAccessJTI(jti, expiresAt)
		return
	}
	s.byFamily.write(familyID, func(items map[string][]boundJTI) {
		items[familyID] = append(items[familyID], boundJTI{jti: jti, expiresAt: expiresAt})
	})
}

// RevokeRefreshFamily records a family-wide revocation and blacklists every
// access token bound to the family. Idempotent.
func (s *TokenRevocationStore) RevokeRefreshFamily(familyID string) {
	now := s.now()
	s.families.write(familyID, func(items map[string]time.Time) {
		if _, ok := items[familyID]; !ok {
			items[familyID] = now
		}
	})

	var bound []boundJTI
	s.byFamily.write(familyID, func(items map[string][]boundJTI) {
		bound = items[familyID]
		delete(items, familyID)
	})
	for _, b := range bound {
		s.RevokeAccessJTI(b.jti, b.expiresAt)
	}
}

// IsRevoked reports whether a jti or family id has been revoked.
func (s *TokenRevocationStore) IsRevoked(id string) bool {
	if expiry, ok := s.jtis.get(id); ok && s.now().Before(expiry) {
		return true
	}
	_, ok := s.families.get(id)
	return ok
}

// PruneExpired drops jti entries whose token has expired and family entries
// older than the maximum refresh lifetime.
func (s *TokenRevocationStore) PruneExpired() int {
	now := s.now()
	n := s.jtis.sweep(func(_ string, expiry time.Time) bool {
		return now.After(expiry)
	})
	n += s.families.sweep(func(_ string, at time.Time) bool {
		return now.Sub(at) > maxRefreshTTL
	})
	n += s.byFamily.sweep(func(_ string, bound []boundJTI) bool {
		for _, b := range bound {
			if now.Before(b.expiresAt) {
				return false
			}
		}
		return true
	})
	return n
}
