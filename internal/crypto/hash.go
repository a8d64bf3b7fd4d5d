package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// HalfHash implements the OIDC Core c_hash/at_hash construction: hash the
// ASCII value with the hash matching the signing algorithm, take the left
// half, base64url encode without padding.
func HalfHash(alg, value string) (string, error) {
	var sum []byte
	switch alg {
	case "RS256", "ES256", "EdDSA":
		h := sha256.Sum256([]byte(value))
		sum = h[:]
	case "RS384", "ES384":
		h := sha512.Sum384([]byte(value))
		sum = h[:]
	case "RS512", "ES512":
		h := sha512.Sum512([]byte(value))
		sum = h[:]
	default:
		return "", fmt.Errorf("unsupported signing alg %q", alg)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// SHA256Base64URL returns the unpadded base64url SHA-256 digest of s.
// Used for hashing opaque handles before storage.
func SHA256Base64URL(s string) string {
	h := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
