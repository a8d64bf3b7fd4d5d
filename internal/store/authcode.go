package store

import (
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
)

// AuthorizationCode is the record minted by the flow engine and consumed
// exactly once by the token endpoint.
type AuthorizationCode struct {
	Code          string
	TenantID      string
	ClientID      string
	UserID        string
	Subject       string
	RedirectURI   string
	Scope         []string
	Nonce         string
	AuthTime      time.Time
	ACR           string
	AMR           []string
	CodeChallenge string // S256 challenge; empty when PKCE not used
	DPoPJKT       string // bound key thumbprint; empty when not DPoP-bound
	SessionID     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Consumed      bool
	// FamilyID is set after the first exchange when a refresh family was
	// minted, so a replay of the consumed code can revoke it.
	FamilyID string
}

// ConsumeRequest carries everything the token endpoint presents for the
// atomic exchange.
type ConsumeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	DPoPJKT      string
}

// AuthorizationCodeStore holds codes sharded by the code value. Consume is
// a single compare-and-set under the owning shard's lock.
type AuthorizationCodeStore struct {
	m   *shardMap[AuthorizationCode]
	now clock
}

// NewAuthorizationCodeStore creates the store with the given shard count.
func NewAuthorizationCodeStore(shards int) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{m: newShardMap[AuthorizationCode](shards), now: defaultClock}
}

// maxCodeTTL caps authorization code lifetime at 600 seconds.
const maxCodeTTL = 10 * time.Minute

// Store persists a freshly minted code with the given TTL.
func (s *AuthorizationCodeStore) Store(rec AuthorizationCode, ttl time.Duration) AuthorizationCode {
	if ttl <= 0 || ttl > maxCodeTTL {
		ttl = maxCodeTTL
	}
	now := s.now()
	rec.IssuedAt = now
	rec.ExpiresAt = now.Add(ttl)
	rec.Consumed = false
	s.m.write(rec.Code, func(items map[string]AuthorizationCode) {
		items[rec.Code] = rec
	})
	return rec
}

// Consume atomically validates and marks the code consumed. It fails if the
// code is absent, expired, already consumed, bound to a different client or
// redirect URI, if PKCE verification fails, or if a DPoP-bound code is
// presented with a different key thumbprint.
//
// A consume attempt on an already-consumed code returns ErrAlreadyConsumed;
// the caller must treat that as a replay and revoke the refresh family
// derived from the first exchange.
func (s *AuthorizationCodeStore) Consume(req ConsumeRequest) (AuthorizationCode, error) {
	var (
		rec AuthorizationCode
		err error
	)
	s.m.write(req.Code, func(items map[string]AuthorizationCode) {
		stored, ok := items[req.Code]
		if !ok {
			err = ErrNotFound
			return
		}
		if stored.Consumed {
			rec = stored
			err = ErrAlreadyConsumed
			return
		}
		if s.now().After(stored.ExpiresAt) {
			err = ErrExpired
			return
		}
		if stored.ClientID != req.ClientID {
			err = ErrClientMismatch
			return
		}
		if stored.RedirectURI != req.RedirectURI {
			err = ErrRedirectMismatch
			return
		}
		if stored.CodeChallenge != "" {
			if req.CodeVerifier == "" || !crypto.VerifyPKCE(req.CodeVerifier, stored.CodeChallenge) {
				err = ErrPKCEMismatch
				return
			}
		}
		if stored.DPoPJKT != "" && stored.DPoPJKT != req.DPoPJKT {
			err = ErrDPoPMismatch
			return
		}

		stored.Consumed = true
		items[req.Code] = stored
		rec = stored
	})
	return rec, err
}

// BindFamily records the refresh family minted from the code's first
// exchange. Only consumed codes can be bound.
func (s *AuthorizationCodeStore) BindFamily(code, familyID string) {
	s.m.write(code, func(items map[string]AuthorizationCode) {
		rec, ok := items[code]
		if !ok || !rec.Consumed {
			return
		}
		rec.FamilyID = familyID
		items[code] = rec
	})
}

// PruneExpired drops codes past expiry plus a small grace so replay of a
// just-expired consumed code is still recognizable.
func (s *AuthorizationCodeStore) PruneExpired() int {
	cutoff := s.now().Add(-time.Minute)
	return s.m.sweep(func(_ string, rec AuthorizationCode) bool {
		return cutoff.After(rec.ExpiresAt)
	})
}
