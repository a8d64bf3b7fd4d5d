package admin

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/storage"
)

// Consent is one (user, client) scope grant.
type Consent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     []string  `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// ConsentStore persists consent grants in core storage.
type ConsentStore struct {
	core storage.Adapter
}

// NewConsentStore creates the store over the CORE adapter.
func NewConsentStore(core storage.Adapter) *ConsentStore {
	return &ConsentStore{core: core}
}

// Grant records the scopes a user approved for a client. Re-granting
// replaces the previous scope set for the pair.
func (s *ConsentStore) Grant(ctx context.Context, tenantID, userID, clientID string, scope []string) (Consent, error) {
	c := Consent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		GrantedAt: time.Now(),
	}
	_, err := s.core.Execute(ctx, `
		INSERT INTO consents (id, tenant_id, user_id, client_id, scope, granted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, user_id, client_id) DO UPDATE
		SET id = EXCLUDED.id, scope = EXCLUDED.scope,
		    granted_at = EXCLUDED.granted_at, revoked_at = NULL`,
		c.ID, c.TenantID, c.UserID, c.ClientID, oauth.JoinScope(c.Scope), c.GrantedAt)
	if err != nil {
		return Consent{}, err
	}
	return c, nil
}

// Lookup returns the active consent for the pair, if any.
func (s *ConsentStore) Lookup(ctx context.Context, tenantID, userID, clientID string) (Consent, error) {
	row := s.core.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, client_id, scope, granted_at
		FROM consents
		WHERE tenant_id = $1 AND user_id = $2 AND client_id = $3 AND revoked_at IS NULL`,
		tenantID, userID, clientID)

	var (
		c     Consent
		scope string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.UserID, &c.ClientID, &scope, &c.GrantedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, storage.ErrNotFound
		}
		return Consent{}, err
	}
	c.Scope = oauth.ParseScope(scope)
	return c, nil
}

// Covers reports whether the stored consent includes every requested scope.
func (c Consent) Covers(requested []string) bool {
	return oauth.ScopeSubset(requested, c.Scope)
}

// Revoke withdraws the consent for the pair. Idempotent.
func (s *ConsentStore) Revoke(ctx context.Context, tenantID, userID, clientID string) error {
	_, err := s.core.Execute(ctx, `
		UPDATE consents SET revoked_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND client_id = $3 AND revoked_at IS NULL`,
		tenantID, userID, clientID)
	return err
}

// ListByUser pages through a user's consents, newest first, using the
// (granted_at, id) cursor ordering so ties stay stable.
func (s *ConsentStore) ListByUser(ctx context.Context, tenantID, userID string, limit int, cursor string) ([]Consent, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	sql := `
		SELECT id, tenant_id, user_id, client_id, scope, granted_at
		FROM consents
		WHERE tenant_id = $1 AND user_id = $2 AND revoked_at IS NULL`
	args := []any{tenantID, userID}

	if cursor != "" {
		c, err := oauth.DecodeCursor(cursor)
		if err != nil {
			return nil, "", oauth.NewError(oauth.ErrInvalidRequest, "invalid cursor")
		}
		sql += ` AND (granted_at, id) < ($3, $4)`
		args = append(args, c.Time(), c.ID)
	}
	sql += ` ORDER BY granted_at DESC, id DESC LIMIT ` + strconv.Itoa(limit+1)

	rows, err := s.core.Query(ctx, sql, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []Consent
	for rows.Next() {
		var (
			c     Consent
			scope string
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &c.ClientID, &scope, &c.GrantedAt); err != nil {
			return nil, "", err
		}
		c.Scope = oauth.ParseScope(scope)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = oauth.Cursor{ID: last.ID, CreatedAt: last.GrantedAt.UnixMilli()}.Encode()
	}
	return out, next, nil
}
