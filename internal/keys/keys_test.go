package keys

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_AllAlgs(t *testing.T) {
	for _, alg := range []string{AlgRS256, AlgES256, AlgEdDSA} {
		t.Run(alg, func(t *testing.T) {
			k, err := Generate(alg)
			require.NoError(t, err)
			assert.Equal(t, alg, k.Alg)
			assert.Len(t, k.KID, 16)
			assert.NotNil(t, k.Signer.Public())
		})
	}

	_, err := Generate("HS256")
	assert.ErrorIs(t, err, ErrUnsupportedAlg)
}

func TestManager_SignAndVerify(t *testing.T) {
	m := NewManager([]string{AlgRS256}, nil)

	claims := jwt.MapClaims{
		"iss": "https://op.example",
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := m.Sign("tenant-a", AlgRS256, claims)
	require.NoError(t, err)

	active, err := m.Active("tenant-a", AlgRS256)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, active.KID, tok.Header["kid"])
		return active.Signer.Public(), nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
}

func TestManager_OneActivePerAlg(t *testing.T) {
	m := NewManager([]string{AlgRS256, AlgES256}, nil)

	a1, err := m.Active("tenant-a", AlgRS256)
	require.NoError(t, err)
	a2, err := m.Active("tenant-a", AlgRS256)
	require.NoError(t, err)
	assert.Equal(t, a1.KID, a2.KID)

	// Tenants have independent rings.
	b1, err := m.Active("tenant-b", AlgRS256)
	require.NoError(t, err)
	assert.NotEqual(t, a1.KID, b1.KID)
}

func TestManager_Rotate(t *testing.T) {
	m := NewManager([]string{AlgES256}, nil)

	before, err := m.Active("tenant-a", AlgES256)
	require.NoError(t, err)

	require.NoError(t, m.Rotate("tenant-a"))

	after, err := m.Active("tenant-a", AlgES256)
	require.NoError(t, err)
	assert.NotEqual(t, before.KID, after.KID)
	assert.Equal(t, StatusActive, after.Status)
	assert.Equal(t, StatusRetired, before.Status)

	// Retired key stays in the JWKS during grace.
	set, err := m.PublicJWKS("tenant-a")
	require.NoError(t, err)
	kids := make(map[string]bool)
	for _, k := range set.Keys {
		kids[k.KeyID] = true
	}
	assert.True(t, kids[before.KID], "retired key published during grace")
	assert.True(t, kids[after.KID])
}

type memPersister struct {
	saved map[string]*SigningKey // kid -> latest saved state
}

func (p *memPersister) Save(_ string, key *SigningKey) error {
	if p.saved == nil {
		p.saved = make(map[string]*SigningKey)
	}
	cp := *key
	p.saved[key.KID] = &cp
	return nil
}

func (p *memPersister) Load(string) ([]*SigningKey, error) {
	out := make([]*SigningKey, 0, len(p.saved))
	for _, k := range p.saved {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func TestManager_RotatePersistsRetirement(t *testing.T) {
	p := &memPersister{}
	m := NewManager([]string{AlgRS256, AlgES256}, p)

	before, err := m.Active("tenant-a", AlgRS256)
	require.NoError(t, err)

	require.NoError(t, m.Rotate("tenant-a"))

	// The persisted rows must agree with memory: one active key per alg,
	// the outgoing key marked retired with its rotation time.
	activePerAlg := make(map[string]int)
	for _, k := range p.saved {
		if k.Status == StatusActive {
			activePerAlg[k.Alg]++
		}
	}
	assert.Equal(t, map[string]int{AlgRS256: 1, AlgES256: 1}, activePerAlg)

	retired := p.saved[before.KID]
	require.NotNil(t, retired)
	assert.Equal(t, StatusRetired, retired.Status)
	assert.False(t, retired.RotatedAt.IsZero())

	// A fresh manager loading the same state signs with the promoted key.
	m2 := NewManager([]string{AlgRS256, AlgES256}, p)
	active, err := m2.Active("tenant-a", AlgRS256)
	require.NoError(t, err)
	assert.NotEqual(t, before.KID, active.KID)
}

func TestManager_RetiredDroppedAfterGrace(t *testing.T) {
	m := NewManager([]string{AlgES256}, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	before, err := m.Active("tenant-a", AlgES256)
	require.NoError(t, err)
	require.NoError(t, m.Rotate("tenant-a"))

	now = now.Add(RetiredGracePeriod + time.Hour)
	set, err := m.PublicJWKS("tenant-a")
	require.NoError(t, err)
	for _, k := range set.Keys {
		assert.NotEqual(t, before.KID, k.KeyID, "retired key must leave JWKS after grace")
	}
}
