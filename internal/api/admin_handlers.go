package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/api/helpers"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/partition"
	"github.com/keyfold/keyfold/internal/settings"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/store"
)

// handleSetupIssue mints the initial setup token. Fails once setup has
// completed or while a live token is outstanding.
func (s *Server) handleSetupIssue(w http.ResponseWriter, r *http.Request) {
	tok, expires, err := s.setup.IssueToken()
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSetupCompleted):
			helpers.RespondError(w, http.StatusConflict, "setup already completed")
		case errors.Is(err, store.ErrAlreadyConsumed):
			helpers.RespondError(w, http.StatusConflict, "a setup token is already outstanding")
		default:
			helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"setup_token": tok,
		"expires_at":  expires.UTC().Format(time.RFC3339),
	})
}

type setupRedeemRequest struct {
	Token string `json:"token"`
}

// handleSetupRedeem completes initial setup. The token itself is the
// credential, so the route is public.
func (s *Server) handleSetupRedeem(w http.ResponseWriter, r *http.Request) {
	var req setupRedeemRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.setup.Redeem(req.Token); err != nil {
		switch {
		case errors.Is(err, store.ErrSetupCompleted):
			helpers.RespondError(w, http.StatusConflict, "setup already completed")
		default:
			helpers.RespondError(w, http.StatusBadRequest, "invalid or expired setup token")
		}
		return
	}
	s.audit.Log(r.Context(), "setup", audit.EventSetupCompleted, "deployment", nil)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleKeyRotate rotates the tenant's signing keys.
func (s *Server) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	tenantID := custommw.TenantID(r.Context())
	if err := s.keys.Rotate(tenantID); err != nil {
		s.log.Error("key rotation failed", "tenant_id", tenantID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "rotation failed")
		return
	}
	s.audit.Log(r.Context(), "admin", audit.EventKeyRotated, "tenant/"+tenantID, nil)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

type registerClientRequest struct {
	ClientID                string   `json:"client_id"`
	ClientType              string   `json:"client_type"`
	Secret                  string   `json:"secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RequirePKCE             bool     `json:"require_pkce,omitempty"`
	RequireDPoP             bool     `json:"require_dpop,omitempty"`
	RequireStrictRedirect   bool     `json:"require_strict_redirect,omitempty"`
	AllowLocalhostRedirect  bool     `json:"allow_localhost_redirect,omitempty"`
}

// handleClientRegister creates or replaces a client registration. The
// plaintext secret is hashed by the store and never echoed back.
func (s *Server) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		helpers.RespondError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	clientType := oauth.ClientType(req.ClientType)
	if clientType != oauth.ClientConfidential && clientType != oauth.ClientPublic {
		helpers.RespondError(w, http.StatusBadRequest, "client_type must be confidential or public")
		return
	}
	if clientType == oauth.ClientConfidential && req.Secret == "" {
		helpers.RespondError(w, http.StatusBadRequest, "confidential clients require a secret")
		return
	}

	client := &oauth.Client{
		ID:                      req.ClientID,
		TenantID:                custommw.TenantID(r.Context()),
		Type:                    clientType,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scopes:                  req.Scopes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		RequirePKCE:             req.RequirePKCE,
		RequireDPoP:             req.RequireDPoP,
		RequireStrictRedirect:   req.RequireStrictRedirect,
		AllowLocalhostRedirect:  req.AllowLocalhostRedirect,
		Active:                  true,
	}
	if err := s.registry.Register(r.Context(), client, req.Secret); err != nil {
		s.log.Error("client registration failed", "client_id", req.ClientID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit.Log(r.Context(), "admin", audit.EventClientRegistered, "client/"+req.ClientID, map[string]string{
		"client_type": string(clientType),
	})
	helpers.RespondJSON(w, http.StatusCreated, map[string]string{
		"client_id": req.ClientID,
		"status":    "registered",
	})
}

// handleClientDeactivate disables a client; its registration is kept for the
// audit trail.
func (s *Server) handleClientDeactivate(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	err := s.registry.Deactivate(r.Context(), custommw.TenantID(r.Context()), clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "unknown client")
			return
		}
		s.log.Error("client deactivation failed", "client_id", clientID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Log(r.Context(), "admin", audit.EventClientDeactivated, "client/"+clientID, nil)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// settingsRecordJSON is the wire form of a settings version.
type settingsRecordJSON struct {
	Category     string          `json:"category"`
	Version      int             `json:"version"`
	Snapshot     json.RawMessage `json:"snapshot"`
	Changes      json.RawMessage `json:"changes,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	ActorType    string          `json:"actor_type,omitempty"`
	ChangeReason string          `json:"change_reason,omitempty"`
	ChangeSource string          `json:"change_source,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func settingsRecord(rec settings.Record) settingsRecordJSON {
	return settingsRecordJSON{
		Category:     rec.Category,
		Version:      rec.Version,
		Snapshot:     rec.Snapshot,
		Changes:      rec.Changes,
		Actor:        rec.Actor,
		ActorType:    rec.ActorType,
		ChangeReason: rec.ChangeReason,
		ChangeSource: rec.ChangeSource,
		CreatedAt:    rec.CreatedAt,
	}
}

func (s *Server) handleSettingsCurrent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.settings.Current(r.Context(), chi.URLParam(r, "category"))
	if err != nil {
		s.settingsError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, settingsRecord(rec))
}

func (s *Server) handleSettingsVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	rec, err := s.settings.Version(r.Context(), chi.URLParam(r, "category"), version)
	if err != nil {
		s.settingsError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, settingsRecord(rec))
}

func (s *Server) handleSettingsHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.Atoi(r.URL.Query().Get("before"))
	recs, err := s.settings.History(r.Context(), chi.URLParam(r, "category"), limit, before)
	if err != nil {
		s.settingsError(w, err)
		return
	}
	out := make([]settingsRecordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, settingsRecord(rec))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"versions": out})
}

type settingsWriteRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
	Actor    string          `json:"actor"`
	Reason   string          `json:"reason,omitempty"`
}

func (s *Server) handleSettingsWrite(w http.ResponseWriter, r *http.Request) {
	var req settingsWriteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Snapshot) == 0 {
		helpers.RespondError(w, http.StatusBadRequest, "snapshot is required")
		return
	}

	rec, err := s.settings.WriteVersion(r.Context(), chi.URLParam(r, "category"), req.Snapshot, settings.Actor{
		ID:     req.Actor,
		Type:   "admin",
		Reason: req.Reason,
		Source: "api",
	})
	if err != nil {
		s.settingsError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, settingsRecord(rec))
}

type settingsRollbackRequest struct {
	TargetVersion int    `json:"target_version"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleSettingsRollback(w http.ResponseWriter, r *http.Request) {
	var req settingsRollbackRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.settings.Rollback(r.Context(), chi.URLParam(r, "category"), req.TargetVersion, settings.Actor{
		ID:     req.Actor,
		Reason: req.Reason,
	})
	if err != nil {
		s.settingsError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, settingsRecord(rec))
}

func (s *Server) handleSettingsCompare(w http.ResponseWriter, r *http.Request) {
	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil {
		helpers.RespondError(w, http.StatusBadRequest, "from and to versions are required")
		return
	}
	changes, err := s.settings.Compare(r.Context(), chi.URLParam(r, "category"), from, to)
	if err != nil {
		s.settingsError(w, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) settingsError(w http.ResponseWriter, err error) {
	if errors.Is(err, settings.ErrVersionNotFound) {
		helpers.RespondError(w, http.StatusNotFound, "version not found")
		return
	}
	s.log.Error("settings operation failed", "error", err)
	helpers.RespondError(w, http.StatusInternalServerError, "internal error")
}

type partitionResolveRequest struct {
	TenantID    string         `json:"tenant_id,omitempty"`
	CountryCode string         `json:"country_code,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// handlePartitionResolve previews the routing decision for a user context
// without writing anything.
func (s *Server) handlePartitionResolve(w http.ResponseWriter, r *http.Request) {
	var req partitionResolveRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		req.TenantID = custommw.TenantID(r.Context())
	}
	dec, err := s.partitions.Resolve(r.Context(), partition.UserContext{
		TenantID:    req.TenantID,
		Attributes:  req.Attributes,
		CountryCode: req.CountryCode,
	})
	if err != nil {
		s.log.Error("partition resolve failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{
		"partition": dec.Partition,
		"method":    dec.Method,
	})
}

type createUserRequest struct {
	UserID            string          `json:"user_id,omitempty"`
	UserType          string          `json:"user_type,omitempty"`
	Email             string          `json:"email"`
	Name              string          `json:"name,omitempty"`
	PreferredUsername string          `json:"preferred_username,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	Address           json.RawMessage `json:"address,omitempty"`
	CustomAttrs       json.RawMessage `json:"custom_attrs,omitempty"`
	CountryCode       string          `json:"country_code,omitempty"`
	Attributes        map[string]any  `json:"attributes,omitempty"`
}

// handleUserCreate routes the user's PII and runs the two-phase write.
func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}

	tenantID := custommw.TenantID(r.Context())
	dec, err := s.partitions.Resolve(r.Context(), partition.UserContext{
		TenantID:    tenantID,
		Attributes:  req.Attributes,
		CountryCode: req.CountryCode,
	})
	if err != nil {
		s.log.Error("partition resolve failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := partition.UserRecord{
		UserID:            req.UserID,
		TenantID:          tenantID,
		UserType:          req.UserType,
		Email:             req.Email,
		Name:              req.Name,
		PreferredUsername: req.PreferredUsername,
		Phone:             req.Phone,
		Address:           req.Address,
		CustomAttrs:       req.CustomAttrs,
	}
	if err := s.users.CreateUser(r.Context(), user, dec); err != nil {
		// The core row may exist with pii_status pending/failed; the retry
		// endpoint finishes the job.
		helpers.RespondJSON(w, http.StatusAccepted, map[string]string{
			"user_id":   req.UserID,
			"partition": dec.Partition,
			"status":    partition.PIIStatusFailed,
		})
		return
	}

	s.audit.Log(r.Context(), "admin", audit.EventUserCreated, "user/"+req.UserID, map[string]string{
		"partition": dec.Partition,
		"method":    dec.Method,
	})
	helpers.RespondJSON(w, http.StatusCreated, map[string]string{
		"user_id":   req.UserID,
		"partition": dec.Partition,
		"status":    partition.PIIStatusActive,
	})
}

// handleUserRetryPII re-runs the PII phase for a pending or failed user.
func (s *Server) handleUserRetryPII(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := chi.URLParam(r, "userID")

	user := partition.UserRecord{
		UserID:            userID,
		TenantID:          custommw.TenantID(r.Context()),
		Email:             req.Email,
		Name:              req.Name,
		PreferredUsername: req.PreferredUsername,
		Phone:             req.Phone,
		Address:           req.Address,
		CustomAttrs:       req.CustomAttrs,
	}
	if err := s.users.RetryPII(r.Context(), user); err != nil {
		s.log.Error("pii retry failed", "user_id", userID, "error", err)
		helpers.RespondError(w, http.StatusBadGateway, "pii write failed")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": partition.PIIStatusActive})
}

// handleUserErase is the GDPR erasure endpoint.
func (s *Server) handleUserErase(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.users.EraseUser(r.Context(), userID); err != nil {
		s.log.Error("user erase failed", "user_id", userID, "error", err)
		helpers.RespondError(w, http.StatusBadGateway, "erase failed")
		return
	}
	s.audit.Log(r.Context(), "admin", audit.EventUserErased, "user/"+userID, nil)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": partition.PIIStatusDeleted})
}

type mfaEnrollRequest struct {
	AccountName string `json:"account_name"`
}

// handleMFAEnroll generates a TOTP secret for the user. The secret, QR code
// and backup codes appear in this response only.
func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	var req mfaEnrollRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := chi.URLParam(r, "userID")
	if req.AccountName == "" {
		req.AccountName = userID
	}

	enr, err := s.mfa.Enroll(r.Context(), custommw.TenantID(r.Context()), userID, req.AccountName)
	if err != nil {
		s.log.Error("mfa enrollment failed", "user_id", userID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.audit.Log(r.Context(), "admin", audit.EventMFAEnrolled, "user/"+userID, nil)
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"secret":       enr.Secret,
		"otpauth_url":  enr.OTPAuthURL,
		"qr_png":       base64.StdEncoding.EncodeToString(enr.QRPNG),
		"backup_codes": enr.BackupCodes,
	})
}

// handleMFARevoke removes the user's TOTP enrollment.
func (s *Server) handleMFARevoke(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	err := s.mfa.Revoke(r.Context(), custommw.TenantID(r.Context()), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, http.StatusNotFound, "user is not enrolled")
			return
		}
		s.log.Error("mfa revocation failed", "user_id", userID, "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Log(r.Context(), "admin", audit.EventMFARevoked, "user/"+userID, nil)
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleConsentList pages through a user's consent grants.
func (s *Server) handleConsentList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")

	consents, next, err := s.consents.ListByUser(r.Context(),
		custommw.TenantID(r.Context()), chi.URLParam(r, "userID"), limit, cursor)
	if err != nil {
		s.log.Error("consent list failed", "error", err)
		helpers.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"consents":    consents,
		"next_cursor": next,
	})
}
