// Package flow implements the /authorize state machine: request validation
// in a fixed order, PAR expansion, multi-step authentication, and response
// assembly for code, implicit and hybrid flows.
package flow

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

// Flow states. A request moves strictly forward; Error is terminal.
const (
	StateReceived        = "received"
	StateValidated       = "validated"
	StatePARConsumed     = "par_consumed"
	StateAuthenticated   = "authenticated"
	StateMFARequired     = "mfa_required"
	StateConsentRequired = "consent_required"
	StateComplete        = "complete"
	StateError           = "error"
)

// TOTPVerifier checks an authenticator code for an enrolled user. The
// returned method lands in the session's AMR claim ("otp" for a live code,
// "mfa" for a backup code).
type TOTPVerifier interface {
	Verify(ctx context.Context, tenantID, userID, code string) (string, error)
}

// Engine drives authorize requests from arrival to response.
type Engine struct {
	clients    oauth.ClientResolver
	codes      *store.AuthorizationCodeStore
	pars       *store.PARRequestStore
	flows      *store.FlowStateStore
	sessions   *store.SessionStore
	challenges *store.ChallengeStore
	limiter    *store.RateLimiter
	minter     *token.Minter
	totp       TOTPVerifier

	codeTTL      time.Duration
	requireState bool
	now          func() time.Time
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Clients    oauth.ClientResolver
	Codes      *store.AuthorizationCodeStore
	PARs       *store.PARRequestStore
	Flows      *store.FlowStateStore
	Sessions   *store.SessionStore
	Challenges *store.ChallengeStore
	Limiter    *store.RateLimiter
	Minter     *token.Minter
	TOTP       TOTPVerifier

	CodeTTL      time.Duration
	RequireState bool
}

// NewEngine creates the flow engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = time.Minute
	}
	return &Engine{
		clients:      cfg.Clients,
		codes:        cfg.Codes,
		pars:         cfg.PARs,
		flows:        cfg.Flows,
		sessions:     cfg.Sessions,
		challenges:   cfg.Challenges,
		limiter:      cfg.Limiter,
		minter:       cfg.Minter,
		totp:         cfg.TOTP,
		codeTTL:      cfg.CodeTTL,
		requireState: cfg.RequireState,
		now:          time.Now,
	}
}

// MintCode issues and stores an authorization code for a completed flow.
func (e *Engine) MintCode(v *ValidatedRequest, auth AuthnResult) (store.AuthorizationCode, error) {
	code, err := crypto.RandomToken(crypto.AuthorizationCodeBytes)
	if err != nil {
		return store.AuthorizationCode{}, err
	}
	rec := store.AuthorizationCode{
		Code:          code,
		TenantID:      v.TenantID,
		ClientID:      v.Client.ID,
		UserID:        auth.UserID,
		Subject:       auth.Subject,
		RedirectURI:   v.RedirectURI,
		Scope:         v.Scope,
		Nonce:         v.Nonce,
		AuthTime:      auth.AuthTime,
		ACR:           auth.ACR,
		AMR:           auth.AMR,
		CodeChallenge: v.CodeChallenge,
		DPoPJKT:       v.DPoPJKT,
		SessionID:     auth.SessionID,
	}
	return e.codes.Store(rec, e.codeTTL), nil
}
