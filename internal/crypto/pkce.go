package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// ChallengeMethodS256 is the only PKCE challenge method we accept (RFC 7636).
const ChallengeMethodS256 = "S256"

// S256Challenge computes code_challenge = BASE64URL(SHA256(code_verifier)).
func S256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a presented code_verifier against a stored S256
// code_challenge in constant time.
func VerifyPKCE(verifier, challenge string) bool {
	computed := S256Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
