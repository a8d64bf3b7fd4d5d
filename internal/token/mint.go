// Package token mints the credential artifacts of the authorization server:
// JWT access tokens, OIDC ID tokens with c_hash/at_hash, and opaque refresh
// handles. It also validates DPoP proofs and computes their key thumbprints.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/oauth"
)

// Minter signs tokens with the tenant's active key.
type Minter struct {
	issuer    string
	alg       string
	keys      *keys.Manager
	accessTTL time.Duration
	idTTL     time.Duration
	now       func() time.Time
}

// NewMinter creates a minter for the issuer using the given algorithm.
func NewMinter(issuer, alg string, km *keys.Manager, accessTTL, idTTL time.Duration) *Minter {
	return &Minter{
		issuer:    issuer,
		alg:       alg,
		keys:      km,
		accessTTL: accessTTL,
		idTTL:     idTTL,
		now:       time.Now,
	}
}

// Alg returns the signing algorithm in use.
func (m *Minter) Alg() string { return m.alg }

// Issuer returns the issuer URL.
func (m *Minter) Issuer() string { return m.issuer }

// AccessTTL returns the configured access token lifetime.
func (m *Minter) AccessTTL() time.Duration { return m.accessTTL }

// AccessTokenContext carries everything an access token asserts.
type AccessTokenContext struct {
	TenantID string
	ClientID string
	Subject  string
	Scope    []string
	ACR      string
	AMR      []string
	DPoPJKT  string // non-empty binds the token to the key (cnf.jkt)
}

// AccessToken is a minted access token with its bookkeeping fields.
type AccessToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// MintAccessToken signs a JWT access token. The jti is a v4 UUID (122 bits
// of randomness, distinct per token).
func (m *Minter) MintAccessToken(ctx AccessTokenContext) (AccessToken, error) {
	now := m.now()
	exp := now.Add(m.accessTTL)
	jti := uuid.NewString()

	claims := jwt.MapClaims{
		"iss":       m.issuer,
		"sub":       ctx.Subject,
		"aud":       m.issuer,
		"exp":       exp.Unix(),
		"iat":       now.Unix(),
		"jti":       jti,
		"scope":     oauth.JoinScope(ctx.Scope),
		"client_id": ctx.ClientID,
	}
	if ctx.ACR != "" {
		claims["acr"] = ctx.ACR
	}
	if len(ctx.AMR) > 0 {
		claims["amr"] = ctx.AMR
	}
	if ctx.DPoPJKT != "" {
		claims["cnf"] = map[string]string{"jkt": ctx.DPoPJKT}
	}

	signed, err := m.keys.Sign(ctx.TenantID, m.alg, claims)
	if err != nil {
		return AccessToken{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return AccessToken{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// IDTokenContext carries everything an ID token asserts. Code and
// AccessToken are the sibling artifacts of the response: c_hash is present
// iff a code is, at_hash iff an access token is.
type IDTokenContext struct {
	TenantID    string
	ClientID    string
	Subject     string
	Nonce       string
	ACR         string
	AMR         []string
	AuthTime    time.Time
	Code        string
	AccessToken string
}

// MintIDToken signs an OIDC ID token.
func (m *Minter) MintIDToken(ctx IDTokenContext) (string, error) {
	now := m.now()

	claims := jwt.MapClaims{
		"iss":       m.issuer,
		"sub":       ctx.Subject,
		"aud":       ctx.ClientID,
		"exp":       now.Add(m.idTTL).Unix(),
		"iat":       now.Unix(),
		"auth_time": ctx.AuthTime.Unix(),
	}
	if ctx.Nonce != "" {
		claims["nonce"] = ctx.Nonce
	}
	if ctx.ACR != "" {
		claims["acr"] = ctx.ACR
	}
	if len(ctx.AMR) > 0 {
		claims["amr"] = ctx.AMR
	}
	if ctx.Code != "" {
		ch, err := crypto.HalfHash(m.alg, ctx.Code)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = ch
	}
	if ctx.AccessToken != "" {
		ah, err := crypto.HalfHash(m.alg, ctx.AccessToken)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = ah
	}

	signed, err := m.keys.Sign(ctx.TenantID, m.alg, claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and verifies one of our own access tokens,
// returning its claims. Used by introspection.
func (m *Minter) VerifyAccessToken(tenantID, raw string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		set, err := m.keys.PublicJWKS(tenantID)
		if err != nil {
			return nil, err
		}
		for _, k := range set.Keys {
			if k.KeyID == kid {
				return k.Key, nil
			}
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}, jwt.WithIssuer(m.issuer), jwt.WithValidMethods([]string{m.alg}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}
