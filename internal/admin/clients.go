package admin

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/storage"
)

// ClientStore persists client registrations in core storage. It implements
// oauth.ClientResolver for the flow and grant engines.
type ClientStore struct {
	core storage.Adapter
}

// NewClientStore creates the registry over the CORE adapter.
func NewClientStore(core storage.Adapter) *ClientStore {
	return &ClientStore{core: core}
}

// Register stores or replaces a client registration. A non-empty
// plainSecret is bcrypt-hashed; the plaintext is never persisted.
func (s *ClientStore) Register(ctx context.Context, c *oauth.Client, plainSecret string) error {
	if plainSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(plainSecret), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		c.SecretHash = string(hash)
	}
	_, err := s.core.Execute(ctx, `
		INSERT INTO clients (tenant_id, client_id, client_type, secret_hash,
			redirect_uris, grant_types, response_types, scopes,
			token_endpoint_auth_method, require_pkce, require_dpop,
			require_strict_redirect, allow_localhost_redirect, active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (tenant_id, client_id) DO UPDATE
		SET client_type = EXCLUDED.client_type, secret_hash = EXCLUDED.secret_hash,
		    redirect_uris = EXCLUDED.redirect_uris, grant_types = EXCLUDED.grant_types,
		    response_types = EXCLUDED.response_types, scopes = EXCLUDED.scopes,
		    token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
		    require_pkce = EXCLUDED.require_pkce, require_dpop = EXCLUDED.require_dpop,
		    require_strict_redirect = EXCLUDED.require_strict_redirect,
		    allow_localhost_redirect = EXCLUDED.allow_localhost_redirect,
		    active = EXCLUDED.active, updated_at = NOW()`,
		c.TenantID, c.ID, string(c.Type), c.SecretHash,
		c.RedirectURIs, c.GrantTypes, c.ResponseTypes, c.Scopes,
		c.TokenEndpointAuthMethod, c.RequirePKCE, c.RequireDPoP,
		c.RequireStrictRedirect, c.AllowLocalhostRedirect, c.Active)
	return err
}

// ResolveClient loads a client by ID. The adapter applies its own deadline,
// so the background context is safe here.
func (s *ClientStore) ResolveClient(tenantID, clientID string) (*oauth.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	row := s.core.QueryRow(ctx, `
		SELECT client_id, tenant_id, client_type, secret_hash,
		       redirect_uris, grant_types, response_types, scopes,
		       token_endpoint_auth_method, require_pkce, require_dpop,
		       require_strict_redirect, allow_localhost_redirect, active
		FROM clients
		WHERE tenant_id = $1 AND client_id = $2`,
		tenantID, clientID)

	var (
		c          oauth.Client
		clientType string
	)
	err := row.Scan(&c.ID, &c.TenantID, &clientType, &c.SecretHash,
		&c.RedirectURIs, &c.GrantTypes, &c.ResponseTypes, &c.Scopes,
		&c.TokenEndpointAuthMethod, &c.RequirePKCE, &c.RequireDPoP,
		&c.RequireStrictRedirect, &c.AllowLocalhostRedirect, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth.NewError(oauth.ErrInvalidClient, "unknown client")
		}
		return nil, err
	}
	c.Type = oauth.ClientType(clientType)
	return &c, nil
}

// Deactivate disables a client without deleting its registration.
func (s *ClientStore) Deactivate(ctx context.Context, tenantID, clientID string) error {
	res, err := s.core.Execute(ctx, `
		UPDATE clients SET active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND client_id = $2`,
		tenantID, clientID)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
