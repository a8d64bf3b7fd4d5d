package store

import "errors"

// Store-level failures. The grant and flow layers translate these into the
// protocol error taxonomy.
var (
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyConsumed = errors.New("already consumed")
	ErrClientMismatch  = errors.New("client mismatch")
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
	ErrPKCEMismatch    = errors.New("pkce verification failed")
	ErrDPoPMismatch    = errors.New("dpop key thumbprint mismatch")
	ErrReuseDetected   = errors.New("refresh token reuse detected")
	ErrRevoked         = errors.New("revoked")
	ErrSetupCompleted  = errors.New("setup already completed")
)
