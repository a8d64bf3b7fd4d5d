// Package oauth holds the protocol-level vocabulary shared by the flow
// engine, the token endpoint, and the admin surface: clients, tenants,
// scopes, the RFC 6749 error taxonomy, and admin list cursors.
package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes from RFC 6749, RFC 8628 and OIDC Core.
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrInvalidScope            = "invalid_scope"
	ErrUnauthorizedClient      = "unauthorized_client"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrAccessDenied            = "access_denied"
	ErrAuthorizationPending    = "authorization_pending"
	ErrSlowDown                = "slow_down"
	ErrExpiredToken            = "expired_token"
	ErrLoginRequired           = "login_required"
	ErrConsentRequired         = "consent_required"
	ErrInteractionRequired     = "interaction_required"
	ErrServerError             = "server_error"
	ErrTemporarilyUnavailable  = "temporarily_unavailable"
	ErrRateLimitExceeded       = "rate_limit_exceeded"
)

// Error is a transport-agnostic OAuth protocol error.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RetryAfter  int    `json:"-"` // seconds; only for rate_limit_exceeded
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewError builds a protocol error with a formatted description.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// HTTPStatus maps the error code to the token-endpoint status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidClient:
		return http.StatusUnauthorized
	case ErrAccessDenied:
		return http.StatusForbidden
	case ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrServerError:
		return http.StatusInternalServerError
	case ErrTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// AsError unwraps err into a protocol error, mapping unknown errors to
// server_error so internal messages never reach the wire.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrServerError, Description: "internal error"}
}
