package oauth

import (
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ClientType distinguishes confidential from public clients.
type ClientType string

const (
	ClientConfidential ClientType = "confidential"
	ClientPublic       ClientType = "public"
)

// Token endpoint auth methods.
const (
	AuthMethodSecretPost  = "client_secret_post"
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodNone        = "none"
)

// Client is a registered OAuth/OIDC relying party.
type Client struct {
	ID                      string
	TenantID                string
	Type                    ClientType
	SecretHash              string // bcrypt; empty for public clients
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string
	RequirePKCE             bool
	RequireDPoP             bool
	RequireStrictRedirect   bool
	AllowLocalhostRedirect  bool
	Active                  bool
}

// VerifySecret compares a presented secret against the stored bcrypt hash.
func (c *Client) VerifySecret(secret string) bool {
	if c.SecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the (space-normalized) response_type is
// registered for the client. Order of parts is not significant.
func (c *Client) AllowsResponseType(responseType string) bool {
	want := normalizeResponseType(responseType)
	for _, rt := range c.ResponseTypes {
		if normalizeResponseType(rt) == want {
			return true
		}
	}
	return false
}

func normalizeResponseType(rt string) string {
	parts := ParseScope(rt)
	// canonical order: code, id_token, token
	rank := map[string]int{"code": 0, "id_token": 1, "token": 2}
	for i := 0; i < len(parts); i++ {
		for j := i + 1; j < len(parts); j++ {
			if rank[parts[j]] < rank[parts[i]] {
				parts[i], parts[j] = parts[j], parts[i]
			}
		}
	}
	return strings.Join(parts, " ")
}

// MatchRedirectURI validates a redirect_uri against the client's registered
// set. Strict mode requires an exact string match. Otherwise the longest
// registered prefix with matching scheme, host and port wins. Loopback
// addresses are accepted for public clients when AllowLocalhostRedirect is
// set, regardless of port (RFC 8252 section 7.3).
func (c *Client) MatchRedirectURI(raw string) bool {
	if raw == "" {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if registered == raw {
			return true
		}
	}
	if c.RequireStrictRedirect {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}

	if c.Type == ClientPublic && c.AllowLocalhostRedirect && isLoopback(u.Hostname()) {
		return u.Scheme == "http" || u.Scheme == "https"
	}

	for _, registered := range c.RedirectURIs {
		ru, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if ru.Scheme != u.Scheme || ru.Hostname() != u.Hostname() || ru.Port() != u.Port() {
			continue
		}
		if strings.HasPrefix(u.Path, ru.Path) {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ClientResolver loads active clients by ID. Implemented by the storage layer.
type ClientResolver interface {
	ResolveClient(tenantID, clientID string) (*Client, error)
}
