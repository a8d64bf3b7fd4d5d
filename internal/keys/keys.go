// Package keys implements the per-tenant signing key manager: key
// generation, active/next/retired rotation, JWKS publication and JWT
// signing. Signing never takes the rotation lock; keys are immutable once
// created, so only rotation itself is serialized per tenant.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha256" // registers SHA-256 for thumbprint derivation
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Algorithms supported for ID and access token signatures.
const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
	AlgEdDSA = "EdDSA"
)

// KeyStatus is the rotation lifecycle of a signing key.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusNext    KeyStatus = "next"
	StatusRetired KeyStatus = "retired"
)

// RetiredGracePeriod keeps retired keys in the JWKS so tokens signed just
// before rotation still verify.
const RetiredGracePeriod = 72 * time.Hour

var (
	ErrNoActiveKey    = errors.New("no active signing key")
	ErrUnsupportedAlg = errors.New("unsupported signing algorithm")
)

// SigningKey is one generated key with its rotation metadata.
type SigningKey struct {
	KID       string
	Alg       string
	Status    KeyStatus
	CreatedAt time.Time
	RotatedAt time.Time
	Signer    crypto.Signer
}

// Public returns the JWK form of the key's public half.
func (k *SigningKey) Public() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Signer.Public(),
		KeyID:     k.KID,
		Algorithm: k.Alg,
		Use:       "sig",
	}
}

// Generate creates a fresh key for the algorithm. The kid is derived from
// the RFC 7638 thumbprint of the public key.
func Generate(alg string) (*SigningKey, error) {
	var signer crypto.Signer
	switch alg {
	case AlgRS256:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		signer = key
	case AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ec key: %w", err)
		}
		signer = key
	case AlgEdDSA:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		signer = key
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}

	kid, err := deriveKID(signer.Public(), alg)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KID:       kid,
		Alg:       alg,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		Signer:    signer,
	}, nil
}

// deriveKID is the base64url RFC 7638 SHA-256 thumbprint, truncated.
func deriveKID(pub crypto.PublicKey, alg string) (string, error) {
	jwk := jose.JSONWebKey{Key: pub, Algorithm: alg}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to derive kid: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb)[:16], nil
}

// signingMethod maps our alg names onto golang-jwt methods.
func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case AlgRS256:
		return jwt.SigningMethodRS256, nil
	case AlgES256:
		return jwt.SigningMethodES256, nil
	case AlgEdDSA:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
}
