package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/crypto"
)

// RefreshToken is one handle in a rotation family. A family is a linked
// list of handles: rotation moves the tip forward, and presenting any
// non-tip handle revokes the entire family.
type RefreshToken struct {
	Handle         string
	FamilyID       string
	TenantID       string
	ClientID       string
	UserID         string
	Subject        string
	SessionID      string
	Scope          []string
	ACR            string
	AMR            []string
	DPoPJKT        string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	PreviousHandle string
	SupersededBy   string
	RevokedAt      time.Time // zero while active
}

type refreshFamily struct {
	id      string
	tokens  map[string]RefreshToken
	tip     string
	revoked bool
}

// MintAttrs carries the grant context for a brand new family.
type MintAttrs struct {
	TenantID  string
	ClientID  string
	UserID    string
	Subject   string
	SessionID string
	Scope     []string
	ACR       string
	AMR       []string
	DPoPJKT   string
	TTL       time.Duration
}

// maxRefreshTTL caps refresh token lifetime at 30 days.
const maxRefreshTTL = 30 * 24 * time.Hour

// RefreshTokenRotator owns refresh families. Families are sharded by
// family ID so one rotation is a single serialized unit; a handle index
// (sharded by handle) routes presentations to their family.
type RefreshTokenRotator struct {
	families *shardMap[*refreshFamily]
	byHandle *shardMap[string] // handle -> family id
	now      clock

	// onFamilyRevoked is invoked after a family is revoked so derived
	// access tokens can be blacklisted too. May be nil.
	onFamilyRevoked func(familyID string)
}

// NewRefreshTokenRotator creates the rotator with the given shard count.
func NewRefreshTokenRotator(shards int) *RefreshTokenRotator {
	return &RefreshTokenRotator{
		families: newShardMap[*refreshFamily](shards),
		byHandle: newShardMap[string](shards),
		now:      defaultClock,
	}
}

// OnFamilyRevoked registers the revocation fan-out hook.
func (r *RefreshTokenRotator) OnFamilyRevoked(fn func(familyID string)) {
	r.onFamilyRevoked = fn
}

// Mint creates a new family with its first handle and returns the token.
func (r *RefreshTokenRotator) Mint(attrs MintAttrs) (RefreshToken, error) {
	handle, err := crypto.RandomToken(crypto.RefreshHandleBytes)
	if err != nil {
		return RefreshToken{}, err
	}

	ttl := attrs.TTL
	if ttl <= 0 || ttl > maxRefreshTTL {
		ttl = maxRefreshTTL
	}

	now := r.now()
	tok := RefreshToken{
		Handle:    handle,
		FamilyID:  uuid.NewString(),
		TenantID:  attrs.TenantID,
		ClientID:  attrs.ClientID,
		UserID:    attrs.UserID,
		Subject:   attrs.Subject,
		SessionID: attrs.SessionID,
		Scope:     attrs.Scope,
		ACR:       attrs.ACR,
		AMR:       attrs.AMR,
		DPoPJKT:   attrs.DPoPJKT,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	r.families.write(tok.FamilyID, func(items map[string]*refreshFamily) {
		items[tok.FamilyID] = &refreshFamily{
			id:     tok.FamilyID,
			tokens: map[string]RefreshToken{handle: tok},
			tip:    handle,
		}
	})
	r.byHandle.write(handle, func(items map[string]string) {
		items[handle] = tok.FamilyID
	})
	return tok, nil
}

// Exchange rotates the family tip. Presenting the tip yields a successor
// token carrying the same grant context; presenting any other handle of the
// family revokes the whole family and returns ErrReuseDetected. The
// rotation (mint successor, persist supersession, invalidate predecessor)
// runs as one unit under the family shard's lock.
//
// dpopJKT is the thumbprint of the presented DPoP proof key, or empty. A
// DPoP-bound family rejects exchanges whose thumbprint differs.
func (r *RefreshTokenRotator) Exchange(handle, clientID, dpopJKT string) (RefreshToken, error) {
	familyID, ok := r.byHandle.get(handle)
	if !ok {
		return RefreshToken{}, ErrNotFound
	}

	// Mint the successor handle before taking the shard lock; if anything
	// below fails the handle is discarded and nothing was persisted.
	nextHandle, err := crypto.RandomToken(crypto.RefreshHandleBytes)
	if err != nil {
		return RefreshToken{}, err
	}

	var (
		successor RefreshToken
		exchErr   error
		revoked   bool
	)
	r.families.write(familyID, func(items map[string]*refreshFamily) {
		fam, ok := items[familyID]
		if !ok {
			exchErr = ErrNotFound
			return
		}
		tok, ok := fam.tokens[handle]
		if !ok {
			exchErr = ErrNotFound
			return
		}
		if fam.revoked {
			exchErr = ErrRevoked
			return
		}
		if handle != fam.tip {
			// Reuse of a superseded handle: nuke the family.
			r.revokeFamilyLocked(fam)
			revoked = true
			exchErr = ErrReuseDetected
			return
		}
		now := r.now()
		if now.After(tok.ExpiresAt) {
			exchErr = ErrExpired
			return
		}
		if tok.ClientID != clientID {
			exchErr = ErrClientMismatch
			return
		}
		if tok.DPoPJKT != "" && tok.DPoPJKT != dpopJKT {
			exchErr = ErrDPoPMismatch
			return
		}

		successor = tok
		successor.Handle = nextHandle
		successor.PreviousHandle = handle
		successor.SupersededBy = ""
		successor.IssuedAt = now
		successor.ExpiresAt = now.Add(tok.ExpiresAt.Sub(tok.IssuedAt))

		tok.SupersededBy = nextHandle
		tok.RevokedAt = now
		fam.tokens[handle] = tok
		fam.tokens[nextHandle] = successor
		fam.tip = nextHandle
	})
	if exchErr != nil {
		if revoked && r.onFamilyRevoked != nil {
			r.onFamilyRevoked(familyID)
		}
		return RefreshToken{}, exchErr
	}

	r.byHandle.write(nextHandle, func(items map[string]string) {
		items[nextHandle] = familyID
	})
	return successor, nil
}

// Get returns the token for a handle without rotating. Used by
// introspection; revoked and superseded handles are reported as such.
func (r *RefreshTokenRotator) Get(handle string) (RefreshToken, bool, error) {
	familyID, ok := r.byHandle.get(handle)
	if !ok {
		return RefreshToken{}, false, ErrNotFound
	}

	var (
		tok    RefreshToken
		found  bool
		active bool
	)
	r.families.write(familyID, func(items map[string]*refreshFamily) {
		f, ok := items[familyID]
		if !ok {
			return
		}
		t, ok := f.tokens[handle]
		if !ok {
			return
		}
		tok = t
		found = true
		active = !f.revoked && f.tip == handle && t.RevokedAt.IsZero() && r.now().Before(t.ExpiresAt)
	})
	if !found {
		return RefreshToken{}, false, ErrNotFound
	}
	return tok, active, nil
}

// RevokeFamily revokes every handle of the family. Idempotent.
func (r *RefreshTokenRotator) RevokeFamily(familyID string) {
	revoked := false
	r.families.write(familyID, func(items map[string]*refreshFamily) {
		fam, ok := items[familyID]
		if !ok || fam.revoked {
			return
		}
		r.revokeFamilyLocked(fam)
		revoked = true
	})
	if revoked && r.onFamilyRevoked != nil {
		r.onFamilyRevoked(familyID)
	}
}

// RevokeByHandle revokes the family owning handle. Idempotent; unknown
// handles are ignored (RFC 7009 semantics).
func (r *RefreshTokenRotator) RevokeByHandle(handle string) {
	if familyID, ok := r.byHandle.get(handle); ok {
		r.RevokeFamily(familyID)
	}
}

func (r *RefreshTokenRotator) revokeFamilyLocked(fam *refreshFamily) {
	now := r.now()
	fam.revoked = true
	for h, tok := range fam.tokens {
		if tok.RevokedAt.IsZero() {
			tok.RevokedAt = now
			fam.tokens[h] = tok
		}
	}
}

// PruneExpired drops families whose every handle is expired.
func (r *RefreshTokenRotator) PruneExpired() int {
	now := r.now()
	var stale []string
	r.families.sweep(func(id string, fam *refreshFamily) bool {
		tip, ok := fam.tokens[fam.tip]
		if ok && now.Before(tip.ExpiresAt) {
			return false
		}
		for h := range fam.tokens {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		r.byHandle.write(h, func(items map[string]string) {
			delete(items, h)
		})
	}
	return len(stale)
}
