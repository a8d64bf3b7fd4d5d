// Package crypto provides the protocol-level primitives: opaque token
// generation, PKCE S256, half-hashes for c_hash/at_hash, device user codes,
// and AES-256-GCM sealing of key material at rest.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
)

const (
	// AuthorizationCodeBytes yields codes of at least 128 base64url chars.
	AuthorizationCodeBytes = 96
	// RefreshHandleBytes is the entropy of an opaque refresh handle.
	RefreshHandleBytes = 32
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// userCodeAlphabet excludes I, O, 0, 1 for visual clarity.
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// UserCode generates an 8-character device verification code with a dash
// after the fourth character, e.g. "WDJB-MJHT".
func UserCode() (string, error) {
	code := make([]byte, 9)
	for i := 0; i < 8; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(userCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failed: %w", err)
		}
		pos := i
		if i >= 4 {
			pos++
		}
		code[pos] = userCodeAlphabet[num.Int64()]
	}
	code[4] = '-'
	return string(code), nil
}
