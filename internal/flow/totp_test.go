package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

type stubTOTP struct {
	code string
}

func (s stubTOTP) Verify(_ context.Context, _, _, code string) (string, error) {
	if code != s.code {
		return "", oauth.NewError(oauth.ErrAccessDenied, "invalid code")
	}
	return "otp", nil
}

func newTOTPEngine(t *testing.T) *Engine {
	t.Helper()
	km := keys.NewManager([]string{keys.AlgRS256}, nil)
	return NewEngine(EngineConfig{
		Clients:    staticClients{"web-app": testClient()},
		Codes:      store.NewAuthorizationCodeStore(16),
		PARs:       store.NewPARRequestStore(16),
		Flows:      store.NewFlowStateStore(16),
		Sessions:   store.NewSessionStore(16),
		Challenges: store.NewChallengeStore(16),
		Limiter:    store.NewRateLimiter(16),
		Minter:     token.NewMinter("https://op.example", keys.AlgRS256, km, 15*time.Minute, time.Hour),
		TOTP:       stubTOTP{code: "123456"},
		CodeTTL:    time.Minute,
	})
}

func TestVerifyTOTP_Success(t *testing.T) {
	e := newTOTPEngine(t)
	auth := AuthnResult{UserID: "user-1", Subject: "user-1", AMR: []string{"pwd"}}

	err := e.VerifyTOTP(context.Background(), "t1", "123456", &auth)
	require.NoError(t, err)
	assert.Contains(t, auth.AMR, "otp")
	assert.Contains(t, auth.AMR, "mfa")
	assert.False(t, auth.AuthTime.IsZero())
}

func TestVerifyTOTP_RequiresPrimaryAuth(t *testing.T) {
	e := newTOTPEngine(t)
	auth := AuthnResult{}

	err := e.VerifyTOTP(context.Background(), "t1", "123456", &auth)
	require.Error(t, err)
	assert.Equal(t, oauth.ErrLoginRequired, oauth.AsError(err).Code)
}

func TestVerifyTOTP_WrongCode(t *testing.T) {
	e := newTOTPEngine(t)
	auth := AuthnResult{UserID: "user-1"}

	err := e.VerifyTOTP(context.Background(), "t1", "000000", &auth)
	require.Error(t, err)
	assert.Equal(t, oauth.ErrAccessDenied, oauth.AsError(err).Code)
	assert.NotContains(t, auth.AMR, "otp")
}

func TestVerifyTOTP_FailsClosedAfterMaxAttempts(t *testing.T) {
	e := newTOTPEngine(t)
	auth := AuthnResult{UserID: "user-1"}

	for i := 0; i < verifyMaxAttempts; i++ {
		_ = e.VerifyTOTP(context.Background(), "t1", "000000", &auth)
	}

	// Even the correct code is refused once the counter trips.
	err := e.VerifyTOTP(context.Background(), "t1", "123456", &auth)
	require.Error(t, err)
	oerr := oauth.AsError(err)
	assert.Equal(t, oauth.ErrRateLimitExceeded, oerr.Code)
	assert.Greater(t, oerr.RetryAfter, 0)
}

func TestVerifyTOTP_Unconfigured(t *testing.T) {
	e := newTestEngine(t, staticClients{"web-app": testClient()})
	auth := AuthnResult{UserID: "user-1"}

	err := e.VerifyTOTP(context.Background(), "t1", "123456", &auth)
	require.Error(t, err)
	assert.Equal(t, oauth.ErrInvalidRequest, oauth.AsError(err).Code)
}
