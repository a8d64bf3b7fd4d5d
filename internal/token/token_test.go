package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/store"
)

func newTestMinter(t *testing.T) *Minter {
	t.Helper()
	km := keys.NewManager([]string{keys.AlgRS256}, nil)
	return NewMinter("https://op.example", keys.AlgRS256, km, 15*time.Minute, time.Hour)
}

func decodeClaims(t *testing.T, m *Minter, raw string) jwt.MapClaims {
	t.Helper()
	claims, err := m.VerifyAccessToken("t1", raw)
	require.NoError(t, err)
	return claims
}

func TestMintAccessToken_Claims(t *testing.T) {
	m := newTestMinter(t)

	at, err := m.MintAccessToken(AccessTokenContext{
		TenantID: "t1",
		ClientID: "client-a",
		Subject:  "u1",
		Scope:    []string{"openid", "profile"},
		ACR:      "urn:mace:incommon:iap:silver",
		AMR:      []string{"pwd", "otp"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, at.JTI)
	_, err = uuid.Parse(at.JTI)
	assert.NoError(t, err, "jti is a uuid")

	claims := decodeClaims(t, m, at.Token)
	assert.Equal(t, "https://op.example", claims["iss"])
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "openid profile", claims["scope"])
	assert.Equal(t, "client-a", claims["client_id"])
	assert.Equal(t, at.JTI, claims["jti"])
	assert.NotContains(t, claims, "cnf")
}

func TestMintAccessToken_DPoPBound(t *testing.T) {
	m := newTestMinter(t)

	at, err := m.MintAccessToken(AccessTokenContext{
		TenantID: "t1",
		ClientID: "client-a",
		Subject:  "u1",
		Scope:    []string{"openid"},
		DPoPJKT:  "thumb-1",
	})
	require.NoError(t, err)

	claims := decodeClaims(t, m, at.Token)
	cnf, ok := claims["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "thumb-1", cnf["jkt"])
}

func TestMintIDToken_HashPresence(t *testing.T) {
	m := newTestMinter(t)
	base := IDTokenContext{
		TenantID: "t1",
		ClientID: "client-a",
		Subject:  "u1",
		Nonce:    "N",
		AuthTime: time.Now(),
	}

	tests := []struct {
		name       string
		mutate     func(*IDTokenContext)
		wantCHash  bool
		wantATHash bool
	}{
		{"code only", func(c *IDTokenContext) { c.Code = "abc" }, true, false},
		{"token only", func(c *IDTokenContext) { c.AccessToken = "xyz" }, false, true},
		{"code and token", func(c *IDTokenContext) { c.Code = "abc"; c.AccessToken = "xyz" }, true, true},
		{"neither", func(*IDTokenContext) {}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := base
			tt.mutate(&ctx)
			raw, err := m.MintIDToken(ctx)
			require.NoError(t, err)

			claims := decodeClaims(t, m, raw)
			assert.Equal(t, tt.wantCHash, claims["c_hash"] != nil, "c_hash")
			assert.Equal(t, tt.wantATHash, claims["at_hash"] != nil, "at_hash")
			assert.Equal(t, "N", claims["nonce"])
			assert.Equal(t, "client-a", claims["aud"])
			assert.Contains(t, claims, "auth_time")

			if tt.wantCHash {
				want, err := crypto.HalfHash(keys.AlgRS256, ctx.Code)
				require.NoError(t, err)
				assert.Equal(t, want, claims["c_hash"])
			}
		})
	}
}

// --- DPoP proofs ---

func makeProof(t *testing.T, key *ecdsa.PrivateKey, htm, htu string, mutate func(jwt.MapClaims, map[string]any)) string {
	t.Helper()
	pub := jose.JSONWebKey{Key: key.Public(), Algorithm: "ES256"}
	raw, err := pub.MarshalJSON()
	require.NoError(t, err)
	var jwkHeader map[string]any
	require.NoError(t, json.Unmarshal(raw, &jwkHeader))

	claims := jwt.MapClaims{
		"htm": htm,
		"htu": htu,
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	}
	if mutate != nil {
		mutate(claims, jwkHeader)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["typ"] = "dpop+jwt"
	tok.Header["jwk"] = jwkHeader
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestDPoPValidator_ValidProof(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := NewDPoPValidator(store.NewDPoPJTIStore(16))

	proof := makeProof(t, key, "POST", "https://op.example/token", nil)
	jkt, err := v.ValidateProof(proof, "POST", "https://op.example/token")
	require.NoError(t, err)

	want, err := Thumbprint(jose.JSONWebKey{Key: key.Public()})
	require.NoError(t, err)
	assert.Equal(t, want, jkt)
}

func TestDPoPValidator_Replay(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := NewDPoPValidator(store.NewDPoPJTIStore(16))

	proof := makeProof(t, key, "POST", "https://op.example/token", nil)
	_, err = v.ValidateProof(proof, "POST", "https://op.example/token")
	require.NoError(t, err)

	_, err = v.ValidateProof(proof, "POST", "https://op.example/token")
	assert.ErrorContains(t, err, "replayed")
}

func TestDPoPValidator_Mismatches(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := NewDPoPValidator(store.NewDPoPJTIStore(16))

	t.Run("htm", func(t *testing.T) {
		proof := makeProof(t, key, "GET", "https://op.example/token", nil)
		_, err := v.ValidateProof(proof, "POST", "https://op.example/token")
		assert.ErrorContains(t, err, "htm")
	})

	t.Run("htu", func(t *testing.T) {
		proof := makeProof(t, key, "POST", "https://other.example/token", nil)
		_, err := v.ValidateProof(proof, "POST", "https://op.example/token")
		assert.ErrorContains(t, err, "htu")
	})

	t.Run("stale iat", func(t *testing.T) {
		proof := makeProof(t, key, "POST", "https://op.example/token", func(c jwt.MapClaims, _ map[string]any) {
			c["iat"] = time.Now().Add(-10 * time.Minute).Unix()
		})
		_, err := v.ValidateProof(proof, "POST", "https://op.example/token")
		assert.ErrorContains(t, err, "window")
	})

	t.Run("missing proof", func(t *testing.T) {
		_, err := v.ValidateProof("", "POST", "https://op.example/token")
		assert.Error(t, err)
	})
}

func TestDPoPValidator_HTUIgnoresQuery(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := NewDPoPValidator(store.NewDPoPJTIStore(16))

	proof := makeProof(t, key, "POST", "https://op.example/token?x=1", nil)
	_, err = v.ValidateProof(proof, "POST", "https://op.example/token")
	assert.NoError(t, err)
}
