package grant

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/keys"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

type staticClients map[string]*oauth.Client

func (s staticClients) ResolveClient(_, clientID string) (*oauth.Client, error) {
	c, ok := s[clientID]
	if !ok {
		return nil, oauth.NewError(oauth.ErrInvalidClient, "unknown client")
	}
	return c, nil
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func publicClient() *oauth.Client {
	return &oauth.Client{
		ID:                      "spa",
		TenantID:                "t1",
		Type:                    oauth.ClientPublic,
		RedirectURIs:            []string{"https://app.example/cb"},
		GrantTypes:              []string{GrantAuthorizationCode, GrantRefreshToken, GrantDeviceCode, GrantCIBA},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile"},
		TokenEndpointAuthMethod: oauth.AuthMethodNone,
		RequirePKCE:             true,
		Active:                  true,
	}
}

type testEnv struct {
	h       *Handler
	clients staticClients
	devices *store.DeviceCodeStore
}

func newEnv(t *testing.T, deviceInterval time.Duration, clients staticClients) *testEnv {
	t.Helper()
	km := keys.NewManager([]string{keys.AlgRS256}, nil)
	minter := token.NewMinter("https://op.example", keys.AlgRS256, km, 15*time.Minute, time.Hour)

	codes := store.NewAuthorizationCodeStore(16)
	refresh := store.NewRefreshTokenRotator(16)
	revocations := store.NewTokenRevocationStore(16)
	refresh.OnFamilyRevoked(revocations.RevokeRefreshFamily)
	devices := store.NewDeviceCodeStore(16, deviceInterval)

	h := NewHandler(HandlerConfig{
		Clients:     clients,
		Codes:       codes,
		Refresh:     refresh,
		Devices:     devices,
		CIBA:        store.NewCIBARequestStore(16, deviceInterval),
		Revocations: revocations,
		Minter:      minter,
		DPoP:        token.NewDPoPValidator(store.NewDPoPJTIStore(16)),
		RefreshTTL:  24 * time.Hour,
	})
	return &testEnv{h: h, clients: clients, devices: devices}
}

const verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func (e *testEnv) storeCode(t *testing.T) store.AuthorizationCode {
	t.Helper()
	code, err := crypto.RandomToken(crypto.AuthorizationCodeBytes)
	require.NoError(t, err)
	return e.h.codes.Store(store.AuthorizationCode{
		Code:          code,
		TenantID:      "t1",
		ClientID:      "spa",
		UserID:        "u1",
		Subject:       "u1",
		RedirectURI:   "https://app.example/cb",
		Scope:         []string{"openid", "profile"},
		Nonce:         "n-1",
		AuthTime:      time.Now(),
		AMR:           []string{"pwd"},
		CodeChallenge: crypto.S256Challenge(verifier),
	}, time.Minute)
}

func codeForm(code string) url.Values {
	return url.Values{
		"grant_type":    {GrantAuthorizationCode},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
	}
}

func TestToken_AuthorizationCode(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})
	rec := env.storeCode(t)

	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: codeForm(rec.Code)})
	require.Nil(t, oerr)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 900, resp.ExpiresIn)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "openid profile", resp.Scope)

	parsed, _, err := jwt.NewParser().ParseUnverified(resp.IDToken, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "n-1", claims["nonce"])
	wantAH, err := crypto.HalfHash(keys.AlgRS256, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, wantAH, claims["at_hash"], "at_hash covers the token-endpoint access token")
	assert.NotContains(t, claims, "c_hash")
}

func TestToken_CodeReplayRevokesFamily(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})
	rec := env.storeCode(t)

	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: codeForm(rec.Code)})
	require.Nil(t, oerr)
	handle := resp.RefreshToken
	require.NotEmpty(t, handle)

	// Replay fails and destroys the refresh family from the first exchange.
	_, oerr = env.h.Token(Request{TenantID: "t1", Form: codeForm(rec.Code)})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)

	_, oerr = env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type":    {GrantRefreshToken},
		"client_id":     {"spa"},
		"refresh_token": {handle},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)
}

func TestToken_CodeValidation(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{"wrong verifier", func(f url.Values) { f.Set("code_verifier", strings.Repeat("x", 43)) }, oauth.ErrInvalidGrant},
		{"wrong redirect", func(f url.Values) { f.Set("redirect_uri", "https://evil.example/cb") }, oauth.ErrInvalidGrant},
		{"scope expansion", func(f url.Values) { f.Set("scope", "openid profile admin") }, oauth.ErrInvalidScope},
		{"missing code", func(f url.Values) { f.Del("code") }, oauth.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.storeCode(t)
			f := codeForm(rec.Code)
			tt.mutate(f)
			_, oerr := env.h.Token(Request{TenantID: "t1", Form: f})
			require.NotNil(t, oerr)
			assert.Equal(t, tt.wantCode, oerr.Code)
		})
	}
}

func TestToken_ScopeNarrowing(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})
	rec := env.storeCode(t)

	f := codeForm(rec.Code)
	f.Set("scope", "openid")
	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: f})
	require.Nil(t, oerr)
	assert.Equal(t, "openid", resp.Scope)

	// Narrowing carries through refresh; expansion back is refused.
	_, oerr = env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type":    {GrantRefreshToken},
		"client_id":     {"spa"},
		"refresh_token": {resp.RefreshToken},
		"scope":         {"openid profile"},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidScope, oerr.Code)
}

func TestToken_RefreshRotation(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})
	rec := env.storeCode(t)

	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: codeForm(rec.Code)})
	require.Nil(t, oerr)
	first := resp.RefreshToken

	refreshForm := func(handle string) url.Values {
		return url.Values{
			"grant_type":    {GrantRefreshToken},
			"client_id":     {"spa"},
			"refresh_token": {handle},
		}
	}

	resp2, oerr := env.h.Token(Request{TenantID: "t1", Form: refreshForm(first)})
	require.Nil(t, oerr)
	second := resp2.RefreshToken
	assert.NotEqual(t, first, second)
	assert.NotEmpty(t, resp2.IDToken, "openid scope keeps yielding an id_token")

	// Presenting the superseded handle revokes the family; the new tip
	// dies with it.
	_, oerr = env.h.Token(Request{TenantID: "t1", Form: refreshForm(first)})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)

	_, oerr = env.h.Token(Request{TenantID: "t1", Form: refreshForm(second)})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)
}

func TestToken_DPoPInheritance(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})

	rt, err := env.h.refresh.Mint(store.MintAttrs{
		TenantID: "t1",
		ClientID: "spa",
		Subject:  "u1",
		Scope:    []string{"openid"},
		DPoPJKT:  "thumb-1",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	// A bound family refuses an exchange without the matching proof key.
	_, oerr := env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type":    {GrantRefreshToken},
		"client_id":     {"spa"},
		"refresh_token": {rt.Handle},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)
}

func TestToken_ClientAuth(t *testing.T) {
	conf := &oauth.Client{
		ID:                      "backend",
		TenantID:                "t1",
		Type:                    oauth.ClientConfidential,
		SecretHash:              hashSecret(t, "s3cret"),
		GrantTypes:              []string{GrantRefreshToken},
		Scopes:                  []string{"openid"},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretBasic,
		Active:                  true,
	}
	post := &oauth.Client{
		ID:                      "post-client",
		TenantID:                "t1",
		Type:                    oauth.ClientConfidential,
		SecretHash:              hashSecret(t, "s3cret"),
		GrantTypes:              []string{GrantRefreshToken},
		Scopes:                  []string{"openid"},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretPost,
		Active:                  true,
	}
	env := newEnv(t, time.Nanosecond, staticClients{"backend": conf, "post-client": post, "spa": publicClient()})

	t.Run("basic ok", func(t *testing.T) {
		c, oerr := env.h.AuthenticateClient(Request{TenantID: "t1", HasBasic: true, BasicUser: "backend", BasicPass: "s3cret", Form: url.Values{}})
		require.Nil(t, oerr)
		assert.Equal(t, "backend", c.ID)
	})
	t.Run("basic wrong secret", func(t *testing.T) {
		_, oerr := env.h.AuthenticateClient(Request{TenantID: "t1", HasBasic: true, BasicUser: "backend", BasicPass: "nope", Form: url.Values{}})
		require.NotNil(t, oerr)
		assert.Equal(t, oauth.ErrInvalidClient, oerr.Code)
	})
	t.Run("post ok", func(t *testing.T) {
		c, oerr := env.h.AuthenticateClient(Request{TenantID: "t1", Form: url.Values{"client_id": {"post-client"}, "client_secret": {"s3cret"}}})
		require.Nil(t, oerr)
		assert.Equal(t, "post-client", c.ID)
	})
	t.Run("none for public", func(t *testing.T) {
		c, oerr := env.h.AuthenticateClient(Request{TenantID: "t1", Form: url.Values{"client_id": {"spa"}}})
		require.Nil(t, oerr)
		assert.Equal(t, "spa", c.ID)
	})
	t.Run("unknown client", func(t *testing.T) {
		_, oerr := env.h.AuthenticateClient(Request{TenantID: "t1", Form: url.Values{"client_id": {"ghost"}}})
		require.NotNil(t, oerr)
		assert.Equal(t, oauth.ErrInvalidClient, oerr.Code)
	})
}

func TestToken_GrantGating(t *testing.T) {
	client := publicClient()
	client.GrantTypes = []string{GrantAuthorizationCode}
	env := newEnv(t, time.Nanosecond, staticClients{"spa": client})

	_, oerr := env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type": {GrantRefreshToken},
		"client_id":  {"spa"},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrUnauthorizedClient, oerr.Code)

	_, oerr = env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type": {"password"},
		"client_id":  {"spa"},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrUnauthorizedClient, oerr.Code)
}

func TestToken_DeviceGrant(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})

	rec := env.devices.Issue(store.DeviceCode{
		DeviceCode: "dev-1",
		UserCode:   "WDJB-MJHT",
		TenantID:   "t1",
		ClientID:   "spa",
		Scope:      []string{"openid"},
	}, time.Minute)

	form := url.Values{
		"grant_type":  {GrantDeviceCode},
		"client_id":   {"spa"},
		"device_code": {rec.DeviceCode},
	}

	_, oerr := env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrAuthorizationPending, oerr.Code)

	require.NoError(t, env.devices.Approve(rec.DeviceCode, "u1", "u1"))

	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: form})
	require.Nil(t, oerr)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)

	// The approval is delivered exactly once.
	_, oerr = env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)
}

func TestToken_DeviceSlowDown(t *testing.T) {
	env := newEnv(t, time.Hour, staticClients{"spa": publicClient()})

	rec := env.devices.Issue(store.DeviceCode{
		DeviceCode: "dev-2",
		UserCode:   "ABCD-EFGH",
		TenantID:   "t1",
		ClientID:   "spa",
		Scope:      []string{"openid"},
	}, time.Minute)

	form := url.Values{
		"grant_type":  {GrantDeviceCode},
		"client_id":   {"spa"},
		"device_code": {rec.DeviceCode},
	}

	_, oerr := env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrAuthorizationPending, oerr.Code)

	_, oerr = env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrSlowDown, oerr.Code)
}

func TestToken_DeviceDeniedAndWrongClient(t *testing.T) {
	other := publicClient()
	other.ID = "other"
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient(), "other": other})

	rec := env.devices.Issue(store.DeviceCode{
		DeviceCode: "dev-3",
		UserCode:   "JJJJ-KKKK",
		TenantID:   "t1",
		ClientID:   "spa",
		Scope:      []string{"openid"},
	}, time.Minute)

	_, oerr := env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type":  {GrantDeviceCode},
		"client_id":   {"other"},
		"device_code": {rec.DeviceCode},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)

	require.NoError(t, env.devices.Deny(rec.DeviceCode))
	_, oerr = env.h.Token(Request{TenantID: "t1", Form: url.Values{
		"grant_type":  {GrantDeviceCode},
		"client_id":   {"spa"},
		"device_code": {rec.DeviceCode},
	}})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrAccessDenied, oerr.Code)
}

func TestToken_CIBAGrant(t *testing.T) {
	env := newEnv(t, time.Nanosecond, staticClients{"spa": publicClient()})

	env.h.ciba.Issue(store.CIBARequest{
		AuthReqID: "req-1",
		TenantID:  "t1",
		ClientID:  "spa",
		Scope:     []string{"openid"},
	}, time.Minute)

	form := url.Values{
		"grant_type":  {GrantCIBA},
		"client_id":   {"spa"},
		"auth_req_id": {"req-1"},
	}

	_, oerr := env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrAuthorizationPending, oerr.Code)

	require.NoError(t, env.h.ciba.Resolve("req-1", true, "u1", "u1"))

	resp, oerr := env.h.Token(Request{TenantID: "t1", Form: form})
	require.Nil(t, oerr)
	assert.NotEmpty(t, resp.AccessToken)

	_, oerr = env.h.Token(Request{TenantID: "t1", Form: form})
	require.NotNil(t, oerr)
	assert.Equal(t, oauth.ErrInvalidGrant, oerr.Code)
}

func TestMapStoreError_StorageUnavailable(t *testing.T) {
	oerr := mapStoreError(storage.ErrStorageUnavailable)
	assert.Equal(t, oauth.ErrTemporarilyUnavailable, oerr.Code)
	assert.Equal(t, 503, oerr.HTTPStatus())

	oerr = mapStoreError(storage.ErrStorageTimeout)
	assert.Equal(t, oauth.ErrTemporarilyUnavailable, oerr.Code)
}
