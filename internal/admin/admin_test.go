package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

type adminEnv struct {
	minter       *token.Minter
	refresh      *store.RefreshTokenRotator
	revocations  *store.TokenRevocationStore
	introspector *Introspector
	revoker      *Revoker
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()

	km := keys.NewManager([]string{keys.AlgRS256}, nil)
	minter := token.NewMinter("https://op.example", keys.AlgRS256, km, 15*time.Minute, time.Hour)

	refresh := store.NewRefreshTokenRotator(4)
	revocations := store.NewTokenRevocationStore(4)
	refresh.OnFamilyRevoked(revocations.RevokeRefreshFamily)

	return &adminEnv{
		minter:       minter,
		refresh:      refresh,
		revocations:  revocations,
		introspector: NewIntrospector(minter, refresh, revocations),
		revoker:      NewRevoker(minter, refresh, revocations),
	}
}

func (e *adminEnv) mintAccess(t *testing.T) token.AccessToken {
	t.Helper()
	at, err := e.minter.MintAccessToken(token.AccessTokenContext{
		TenantID: "t1",
		ClientID: "web",
		Subject:  "user-1",
		Scope:    []string{"openid", "profile"},
	})
	require.NoError(t, err)
	return at
}

func (e *adminEnv) mintRefresh(t *testing.T) store.RefreshToken {
	t.Helper()
	rt, err := e.refresh.Mint(store.MintAttrs{
		TenantID: "t1",
		ClientID: "web",
		UserID:   "user-1",
		Subject:  "user-1",
		Scope:    []string{"openid", "offline_access"},
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	return rt
}

func TestIntrospect_AccessToken(t *testing.T) {
	env := newAdminEnv(t)
	at := env.mintAccess(t)

	res := env.introspector.Introspect("t1", at.Token, "access_token")
	assert.True(t, res.Active)
	assert.Equal(t, "access_token", res.TokenType)
	assert.Equal(t, "web", res.ClientID)
	assert.Equal(t, "user-1", res.Subject)
	assert.Equal(t, "openid profile", res.Scope)
	assert.Equal(t, at.JTI, res.JTI)
	assert.Equal(t, "https://op.example", res.Issuer)
	assert.Greater(t, res.Exp, time.Now().Unix())
}

func TestIntrospect_UnknownToken(t *testing.T) {
	env := newAdminEnv(t)

	for _, presented := range []string{"", "garbage", "eyJhbGciOiJub25lIn0.e30."} {
		res := env.introspector.Introspect("t1", presented, "")
		assert.Equal(t, Introspection{Active: false}, res, "inactive responses must carry nothing but the flag")
	}
}

func TestIntrospect_RevokedAccessToken(t *testing.T) {
	env := newAdminEnv(t)
	at := env.mintAccess(t)

	env.revoker.Revoke("t1", at.Token, "access_token")

	res := env.introspector.Introspect("t1", at.Token, "access_token")
	assert.False(t, res.Active)
}

func TestIntrospect_RefreshToken(t *testing.T) {
	env := newAdminEnv(t)
	rt := env.mintRefresh(t)

	// The hint is advisory: the handle resolves with and without it.
	for _, hint := range []string{"refresh_token", "", "access_token"} {
		res := env.introspector.Introspect("t1", rt.Handle, hint)
		require.True(t, res.Active, "hint %q", hint)
		assert.Equal(t, "refresh_token", res.TokenType)
		assert.Equal(t, "web", res.ClientID)
		assert.Equal(t, "openid offline_access", res.Scope)
	}
}

func TestIntrospect_SupersededRefreshHandle(t *testing.T) {
	env := newAdminEnv(t)
	rt := env.mintRefresh(t)

	successor, err := env.refresh.Exchange(rt.Handle, "web", "")
	require.NoError(t, err)

	assert.False(t, env.introspector.Introspect("t1", rt.Handle, "refresh_token").Active)
	assert.True(t, env.introspector.Introspect("t1", successor.Handle, "refresh_token").Active)
}

func TestRevoke_RefreshHandleKillsFamily(t *testing.T) {
	env := newAdminEnv(t)
	rt := env.mintRefresh(t)

	env.revoker.Revoke("t1", rt.Handle, "")

	assert.False(t, env.introspector.Introspect("t1", rt.Handle, "refresh_token").Active)
	assert.True(t, env.revocations.IsRevoked(rt.FamilyID))

	_, err := env.refresh.Exchange(rt.Handle, "web", "")
	assert.Error(t, err)
}

func TestIntrospect_FamilyRevocationKillsDerivedAccessTokens(t *testing.T) {
	env := newAdminEnv(t)
	rt := env.mintRefresh(t)
	at := env.mintAccess(t)
	env.revocations.BindAccessJTI(rt.FamilyID, at.JTI, at.ExpiresAt)

	require.True(t, env.introspector.Introspect("t1", at.Token, "access_token").Active)

	// Rotate once, then replay the superseded handle: reuse detection
	// revokes the whole family, and with it every derived access token.
	successor, err := env.refresh.Exchange(rt.Handle, "web", "")
	require.NoError(t, err)
	_, err = env.refresh.Exchange(rt.Handle, "web", "")
	require.ErrorIs(t, err, store.ErrReuseDetected)

	assert.False(t, env.introspector.Introspect("t1", at.Token, "access_token").Active)
	assert.False(t, env.introspector.Introspect("t1", successor.Handle, "refresh_token").Active)
}

func TestRevoke_Idempotent(t *testing.T) {
	env := newAdminEnv(t)
	at := env.mintAccess(t)
	rt := env.mintRefresh(t)

	// Unknown tokens and repeats are silently ignored per RFC 7009.
	env.revoker.Revoke("t1", "no-such-token", "")
	env.revoker.Revoke("t1", at.Token, "access_token")
	env.revoker.Revoke("t1", at.Token, "access_token")
	env.revoker.Revoke("t1", rt.Handle, "refresh_token")
	env.revoker.Revoke("t1", rt.Handle, "refresh_token")

	assert.False(t, env.introspector.Introspect("t1", at.Token, "").Active)
	assert.False(t, env.introspector.Introspect("t1", rt.Handle, "").Active)
}

func TestSetup_AtMostOnce(t *testing.T) {
	s := NewSetup(store.NewSetupStore(), time.Minute)
	assert.False(t, s.Completed())

	tok, expires, err := s.IssueToken()
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.True(t, expires.After(time.Now()))

	// A live token blocks a second issuance.
	_, _, err = s.IssueToken()
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)

	require.Error(t, s.Redeem("wrong-token"))
	require.NoError(t, s.Redeem(tok))
	assert.True(t, s.Completed())

	// Completion is terminal: nothing can be issued or redeemed again.
	assert.ErrorIs(t, s.Redeem(tok), store.ErrSetupCompleted)
	_, _, err = s.IssueToken()
	assert.ErrorIs(t, err, store.ErrSetupCompleted)
}
