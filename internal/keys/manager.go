package keys

import (
	"log/slog"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ring is one tenant's key set. Exactly one active key per alg.
type ring struct {
	mu      sync.RWMutex
	active  map[string]*SigningKey // alg -> key
	next    map[string]*SigningKey
	retired []*SigningKey
}

// Manager owns the signing keys of every tenant. Rotation is the only
// serialized critical section; Sign and PublicJWKS take a read lock.
type Manager struct {
	mu      sync.Mutex
	tenants map[string]*ring
	algs    []string
	grace   time.Duration
	now     func() time.Time

	persister Persister // may be nil (ephemeral keys)
}

// NewManager creates a manager generating the given algorithms for each
// tenant on first use. An empty algs list defaults to RS256.
func NewManager(algs []string, persister Persister) *Manager {
	if len(algs) == 0 {
		algs = []string{AlgRS256}
	}
	return &Manager{
		tenants:   make(map[string]*ring),
		algs:      algs,
		grace:     RetiredGracePeriod,
		now:       time.Now,
		persister: persister,
	}
}

// tenantRing returns the ring for a tenant, provisioning keys on first use.
func (m *Manager) tenantRing(tenantID string) (*ring, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.tenants[tenantID]; ok {
		return r, nil
	}

	r := &ring{
		active: make(map[string]*SigningKey),
		next:   make(map[string]*SigningKey),
	}

	// Prefer persisted keys; generate what is missing.
	if m.persister != nil {
		loaded, err := m.persister.Load(tenantID)
		if err != nil {
			return nil, err
		}
		for _, k := range loaded {
			switch k.Status {
			case StatusActive:
				r.active[k.Alg] = k
			case StatusNext:
				r.next[k.Alg] = k
			case StatusRetired:
				r.retired = append(r.retired, k)
			}
		}
	}

	for _, alg := range m.algs {
		for _, slot := range []struct {
			m      map[string]*SigningKey
			status KeyStatus
		}{
			{r.active, StatusActive},
			{r.next, StatusNext},
		} {
			if _, ok := slot.m[alg]; ok {
				continue
			}
			k, err := Generate(alg)
			if err != nil {
				return nil, err
			}
			k.Status = slot.status
			slot.m[alg] = k
			if m.persister != nil {
				if err := m.persister.Save(tenantID, k); err != nil {
					return nil, err
				}
			}
		}
	}

	m.tenants[tenantID] = r
	return r, nil
}

// Active returns the tenant's active key for the algorithm.
func (m *Manager) Active(tenantID, alg string) (*SigningKey, error) {
	r, err := m.tenantRing(tenantID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.active[alg]
	if !ok {
		return nil, ErrNoActiveKey
	}
	return k, nil
}

// Sign signs the claims with the tenant's active key for alg, setting the
// kid header. The signed JWS is returned.
func (m *Manager) Sign(tenantID, alg string, claims jwt.Claims) (string, error) {
	key, err := m.Active(tenantID, alg)
	if err != nil {
		return "", err
	}
	method, err := signingMethod(alg)
	if err != nil {
		return "", err
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KID
	return tok.SignedString(signingSecret(key))
}

// signingSecret adapts our crypto.Signer to what golang-jwt expects.
func signingSecret(k *SigningKey) any {
	return k.Signer
}

// PublicJWKS returns every non-retired key plus retired keys still inside
// the grace period.
func (m *Manager) PublicJWKS(tenantID string) (*jose.JSONWebKeySet, error) {
	r, err := m.tenantRing(tenantID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &jose.JSONWebKeySet{}
	for _, k := range r.active {
		set.Keys = append(set.Keys, k.Public())
	}
	for _, k := range r.next {
		set.Keys = append(set.Keys, k.Public())
	}
	now := m.now()
	for _, k := range r.retired {
		if now.Sub(k.RotatedAt) <= m.grace {
			set.Keys = append(set.Keys, k.Public())
		}
	}
	return set, nil
}

// Rotate advances every algorithm of the tenant: active becomes retired,
// next becomes active, a fresh next is generated.
func (m *Manager) Rotate(tenantID string) error {
	r, err := m.tenantRing(tenantID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now()
	for _, alg := range m.algs {
		var outgoing *SigningKey
		if old, ok := r.active[alg]; ok {
			old.Status = StatusRetired
			old.RotatedAt = now
			r.retired = append(r.retired, old)
			outgoing = old
		}
		promoted := r.next[alg]
		if promoted == nil {
			k, err := Generate(alg)
			if err != nil {
				return err
			}
			promoted = k
		}
		promoted.Status = StatusActive
		r.active[alg] = promoted

		fresh, err := Generate(alg)
		if err != nil {
			return err
		}
		fresh.Status = StatusNext
		r.next[alg] = fresh

		if m.persister != nil {
			// The retired key must be re-saved too: its persisted row still
			// says active, and leaving it that way would load two active
			// keys per alg after a restart.
			toSave := []*SigningKey{r.active[alg], r.next[alg]}
			if outgoing != nil {
				toSave = append(toSave, outgoing)
			}
			for _, k := range toSave {
				if err := m.persister.Save(tenantID, k); err != nil {
					return err
				}
			}
		}
		slog.Info("signing_key_rotated", "tenant_id", tenantID, "alg", alg, "kid", promoted.KID)
	}

	// Drop retired keys past grace.
	kept := r.retired[:0]
	for _, k := range r.retired {
		if now.Sub(k.RotatedAt) <= m.grace {
			kept = append(kept, k)
		}
	}
	r.retired = kept
	return nil
}
