package discovery

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetadata_EndpointsSharePrefix(t *testing.T) {
	md := NewMetadata("https://op.example/", []string{"RS256", "ES256"})

	assert.Equal(t, "https://op.example", md.Issuer)
	for _, u := range []string{
		md.AuthorizationEndpoint,
		md.TokenEndpoint,
		md.UserinfoEndpoint,
		md.JWKSURI,
		md.PushedAuthorizationRequestEndpoint,
		md.DeviceAuthorizationEndpoint,
		md.RevocationEndpoint,
		md.IntrospectionEndpoint,
	} {
		assert.True(t, strings.HasPrefix(u, md.Issuer), "%s must share the issuer prefix", u)
	}
	assert.Equal(t, []string{"public"}, md.SubjectTypesSupported)
	assert.Contains(t, md.ScopesSupported, "openid")
	assert.Contains(t, md.ScopesSupported, "profile")
	assert.Contains(t, md.ScopesSupported, "email")
	assert.Contains(t, md.TokenEndpointAuthMethodsSupported, "none")
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"RS256", "ES256"}, md.IDTokenSigningAlgValuesSupported)
}

func TestHandler_CacheHeaders(t *testing.T) {
	md := NewMetadata("https://op.example", []string{"RS256"})
	rec := httptest.NewRecorder()
	Handler(md)(rec, httptest.NewRequest("GET", "/.well-known/openid-configuration", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "Accept-Encoding", rec.Header().Get("Vary"))

	var got Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, md.Issuer, got.Issuer)
	assert.Contains(t, got.ClaimsSupported, "sub")
}

func TestJWKSHandler(t *testing.T) {
	called := 0
	h := JWKSHandler(func() (any, error) {
		called++
		return map[string]any{"keys": []any{}}, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, called)
	assert.Contains(t, rec.Body.String(), "keys")
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
}
