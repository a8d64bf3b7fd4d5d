package token

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keyfold/keyfold/internal/store"
)

// DPoP proof acceptance window. Proofs older or newer than this are
// rejected; the jti replay barrier holds entries for the same span.
const (
	dpopIATWindow = 60 * time.Second
	dpopJTITTL    = 120 * time.Second
)

// DPoPValidator checks DPoP proofs (RFC 9449) and computes the JWK
// thumbprint that binds tokens to the client key.
type DPoPValidator struct {
	jtis store.JTIStore
	now  func() time.Time
}

// NewDPoPValidator creates a validator backed by the given replay barrier.
func NewDPoPValidator(jtis store.JTIStore) *DPoPValidator {
	return &DPoPValidator{jtis: jtis, now: time.Now}
}

// ValidateProof verifies the proof JWT for the given method and URL and
// returns the base64url SHA-256 thumbprint (RFC 7638) of the proof key.
func (v *DPoPValidator) ValidateProof(proof, htm, htu string) (string, error) {
	if proof == "" {
		return "", fmt.Errorf("missing dpop proof")
	}

	var jwk jose.JSONWebKey
	parsed, err := jwt.Parse(proof, func(tok *jwt.Token) (any, error) {
		typ, _ := tok.Header["typ"].(string)
		if typ != "dpop+jwt" {
			return nil, fmt.Errorf("proof typ must be dpop+jwt, got %q", typ)
		}
		raw, ok := tok.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("proof missing jwk header")
		}
		rawJSON, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid jwk header: %w", err)
		}
		if err := jwk.UnmarshalJSON(rawJSON); err != nil {
			return nil, fmt.Errorf("invalid jwk header: %w", err)
		}
		if !jwk.IsPublic() {
			return nil, fmt.Errorf("proof jwk must be a public key")
		}
		return jwk.Key, nil
	}, jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}))
	if err != nil {
		return "", fmt.Errorf("invalid dpop proof: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid dpop proof claims")
	}

	if m, _ := claims["htm"].(string); !strings.EqualFold(m, htm) {
		return "", fmt.Errorf("dpop htm mismatch")
	}
	claimHTU, _ := claims["htu"].(string)
	if !sameHTU(claimHTU, htu) {
		return "", fmt.Errorf("dpop htu mismatch")
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return "", fmt.Errorf("dpop proof missing iat")
	}
	now := v.now()
	if iat.Time.Before(now.Add(-dpopIATWindow)) || iat.Time.After(now.Add(dpopIATWindow)) {
		return "", fmt.Errorf("dpop proof outside acceptance window")
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return "", fmt.Errorf("dpop proof missing jti")
	}
	first, err := v.jtis.Seen(jti, dpopJTITTL)
	if err != nil {
		return "", fmt.Errorf("jti barrier unavailable: %w", err)
	}
	if !first {
		return "", fmt.Errorf("dpop proof replayed")
	}

	return Thumbprint(jwk)
}

// Thumbprint computes the base64url RFC 7638 SHA-256 thumbprint of a JWK.
func Thumbprint(jwk jose.JSONWebKey) (string, error) {
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// sameHTU compares htu values ignoring query and fragment (RFC 9449 4.3).
func sameHTU(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	ua.RawQuery, ua.Fragment = "", ""
	ub.RawQuery, ub.Fragment = "", ""
	return ua.String() == ub.String()
}
