// Package discovery serves the OIDC provider metadata and JWKS documents.
// Every endpoint URL is derived from the issuer prefix so the documents can
// never disagree with the mounted routes.
package discovery

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Metadata is the openid-configuration document.
type Metadata struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	UserinfoEndpoint                   string   `json:"userinfo_endpoint"`
	JWKSURI                            string   `json:"jwks_uri"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	DeviceAuthorizationEndpoint        string   `json:"device_authorization_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	IntrospectionEndpoint              string   `json:"introspection_endpoint"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	ResponseModesSupported             []string `json:"response_modes_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	IDTokenSigningAlgValuesSupported   []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported              []string `json:"subject_types_supported"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ClaimsSupported                    []string `json:"claims_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	DPoPSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
}

// NewMetadata derives the full document from the issuer URL.
func NewMetadata(issuer string, signingAlgs []string) Metadata {
	base := strings.TrimSuffix(issuer, "/")
	return Metadata{
		Issuer:                             base,
		AuthorizationEndpoint:              base + "/authorize",
		TokenEndpoint:                      base + "/token",
		UserinfoEndpoint:                   base + "/userinfo",
		JWKSURI:                            base + "/.well-known/jwks.json",
		PushedAuthorizationRequestEndpoint: base + "/par",
		DeviceAuthorizationEndpoint:        base + "/device_authorization",
		RevocationEndpoint:                 base + "/revoke",
		IntrospectionEndpoint:              base + "/introspect",
		ResponseTypesSupported: []string{
			"code", "id_token", "token",
			"code id_token", "code token", "id_token token", "code id_token token",
		},
		ResponseModesSupported: []string{"query", "fragment", "form_post"},
		GrantTypesSupported: []string{
			"authorization_code",
			"refresh_token",
			"urn:ietf:params:oauth:grant-type:device_code",
			"urn:openid:params:grant-type:ciba",
		},
		IDTokenSigningAlgValuesSupported: signingAlgs,
		SubjectTypesSupported:            []string{"public"},
		ScopesSupported:                  []string{"openid", "profile", "email", "offline_access"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"name", "email", "preferred_username", "acr", "amr",
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		DPoPSigningAlgValuesSupported:     signingAlgs,
	}
}

// cacheHeaders marks the documents as publicly cacheable for an hour.
func cacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Vary", "Accept-Encoding")
}

// Handler serves the openid-configuration document.
func Handler(md Metadata) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cacheHeaders(w)
		_ = json.NewEncoder(w).Encode(md)
	}
}

// JWKSProvider yields the public key set to publish.
type JWKSProvider func() (any, error)

// JWKSHandler serves the JWKS document from the provider.
func JWKSHandler(provider JWKSProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		set, err := provider()
		if err != nil {
			http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
			return
		}
		cacheHeaders(w)
		_ = json.NewEncoder(w).Encode(set)
	}
}
