// Package admin implements the control surface: token introspection
// (RFC 7662), revocation (RFC 7009), the initial setup token, and consent
// grant storage.
package admin

import (
	"time"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

// Introspection is the RFC 7662 response. Inactive tokens carry nothing but
// the active flag so callers cannot probe token contents.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// Introspector resolves presented tokens against the minted-token state.
type Introspector struct {
	minter      *token.Minter
	refresh     *store.RefreshTokenRotator
	revocations *store.TokenRevocationStore
}

// NewIntrospector creates the introspector.
func NewIntrospector(minter *token.Minter, refresh *store.RefreshTokenRotator, revocations *store.TokenRevocationStore) *Introspector {
	return &Introspector{minter: minter, refresh: refresh, revocations: revocations}
}

var inactive = Introspection{Active: false}

// Introspect resolves a presented token. tokenTypeHint is "access_token",
// "refresh_token" or empty; the hint only orders the lookups.
func (i *Introspector) Introspect(tenantID, presented, tokenTypeHint string) Introspection {
	if presented == "" {
		return inactive
	}
	if tokenTypeHint == "refresh_token" {
		if res := i.introspectRefresh(presented); res.Active {
			return res
		}
		return i.introspectAccess(tenantID, presented)
	}
	if res := i.introspectAccess(tenantID, presented); res.Active {
		return res
	}
	return i.introspectRefresh(presented)
}

func (i *Introspector) introspectAccess(tenantID, presented string) Introspection {
	claims, err := i.minter.VerifyAccessToken(tenantID, presented)
	if err != nil {
		return inactive
	}

	jti, _ := claims["jti"].(string)
	if jti == "" || i.revocations.IsRevoked(jti) {
		return inactive
	}

	res := Introspection{
		Active:    true,
		TokenType: "access_token",
		JTI:       jti,
	}
	res.Subject, _ = claims["sub"].(string)
	res.ClientID, _ = claims["client_id"].(string)
	res.Scope, _ = claims["scope"].(string)
	res.Issuer, _ = claims["iss"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		res.Exp = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		res.Iat = iat.Unix()
	}
	return res
}

func (i *Introspector) introspectRefresh(presented string) Introspection {
	tok, active, err := i.refresh.Get(presented)
	if err != nil || !active {
		return inactive
	}
	if i.revocations.IsRevoked(tok.FamilyID) {
		return inactive
	}
	return Introspection{
		Active:    true,
		TokenType: "refresh_token",
		ClientID:  tok.ClientID,
		Subject:   tok.Subject,
		Scope:     oauth.JoinScope(tok.Scope),
		Exp:       tok.ExpiresAt.Unix(),
		Iat:       tok.IssuedAt.Unix(),
	}
}

// Revoker implements RFC 7009: revocation always succeeds, even for
// unknown tokens, and is idempotent.
type Revoker struct {
	minter      *token.Minter
	refresh     *store.RefreshTokenRotator
	revocations *store.TokenRevocationStore
}

// NewRevoker creates the revoker.
func NewRevoker(minter *token.Minter, refresh *store.RefreshTokenRotator, revocations *store.TokenRevocationStore) *Revoker {
	return &Revoker{minter: minter, refresh: refresh, revocations: revocations}
}

// Revoke invalidates the presented token. Refresh handles revoke their
// whole family; access tokens are blacklisted by jti until natural expiry.
// Unknown tokens are ignored.
func (r *Revoker) Revoke(tenantID, presented, tokenTypeHint string) {
	if presented == "" {
		return
	}

	if tokenTypeHint != "access_token" {
		if _, _, err := r.refresh.Get(presented); err == nil {
			r.refresh.RevokeByHandle(presented)
			return
		}
	}

	claims, err := r.minter.VerifyAccessToken(tenantID, presented)
	if err != nil {
		return
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return
	}
	expiry := time.Now()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiry = exp.Time
	}
	r.revocations.RevokeAccessJTI(jti, expiry)
}
