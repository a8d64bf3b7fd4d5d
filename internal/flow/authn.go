package flow

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
)

// Brute-force policy on credential verification: five attempts per
// fifteen-minute window per (user, challenge type).
const (
	verifyWindowSeconds = 900
	verifyMaxAttempts   = 5
)

// AuthnResult is the accumulated outcome of the authentication substates.
type AuthnResult struct {
	UserID    string
	Subject   string
	SessionID string
	AMR       []string
	ACR       string
	AuthTime  time.Time
}

// addAMR appends a method if not already present.
func (a *AuthnResult) addAMR(method string) {
	for _, m := range a.AMR {
		if m == method {
			return
		}
	}
	a.AMR = append(a.AMR, method)
}

// AuthenticateSession resolves an existing session cookie into an
// authentication result. Returns login_required when the session is absent,
// expired or revoked.
func (e *Engine) AuthenticateSession(sessionID string) (AuthnResult, error) {
	if sessionID == "" {
		return AuthnResult{}, oauth.NewError(oauth.ErrLoginRequired, "no active session")
	}
	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		return AuthnResult{}, oauth.NewError(oauth.ErrLoginRequired, "session is not active")
	}
	return AuthnResult{
		UserID:    sess.UserID,
		Subject:   sess.UserID,
		SessionID: sess.ID,
		AMR:       append([]string(nil), sess.AMR...),
		ACR:       sess.ACR,
		AuthTime:  sess.CreatedAt,
	}, nil
}

// StartFlow persists the validated request as a flow carrier so the
// login/MFA/consent pages can resume it. Returns the flow state with its
// server-minted flow_id.
func (e *Engine) StartFlow(v *ValidatedRequest, stage string, ttl time.Duration) (store.FlowState, error) {
	flowID, err := crypto.RandomToken(32)
	if err != nil {
		return store.FlowState{}, err
	}
	st := store.FlowState{
		FlowID:   flowID,
		TenantID: v.TenantID,
		ClientID: v.Client.ID,
		Params:   authorizeParams(v),
		Stage:    stage,
	}
	return e.flows.Put(st, ttl), nil
}

// ResumeFlow loads a pending flow and revalidates its parameters. The
// stored parameters already passed validation once; running them through
// Validate again protects against client state changing mid-flow.
func (e *Engine) ResumeFlow(flowID string) (*ValidatedRequest, store.FlowState, *AuthorizeError) {
	st, err := e.flows.Get(flowID)
	if err != nil {
		return nil, store.FlowState{}, pageError(oauth.ErrInvalidRequest, "unknown or expired flow")
	}
	v, aerr := e.Validate(st.TenantID, st.Params)
	if aerr != nil {
		return nil, store.FlowState{}, aerr
	}
	return v, st, nil
}

// AdvanceFlow records authentication progress on the carrier.
func (e *Engine) AdvanceFlow(st store.FlowState, auth AuthnResult, stage string) store.FlowState {
	st.UserID = auth.UserID
	st.Subject = auth.Subject
	st.SessionID = auth.SessionID
	st.AMR = auth.AMR
	st.ACR = auth.ACR
	st.AuthTime = auth.AuthTime
	st.Stage = stage
	return e.flows.Put(st, time.Until(st.ExpiresAt))
}

// FinishFlow drops the carrier once the response has been assembled.
func (e *Engine) FinishFlow(flowID string) {
	e.flows.Delete(flowID)
}

// VerifyChallenge consumes a pending credential challenge and compares the
// presented secret against the stored hash. Attempts are counted per
// (user, type) and fail closed: once the counter trips, verification is
// refused with rate_limit_exceeded until the window rolls over, whether or
// not the secret was correct.
func (e *Engine) VerifyChallenge(kind store.ChallengeType, sessionKey, secret string, auth *AuthnResult) error {
	id := store.ChallengeID(kind, sessionKey)

	if ch, ok := e.challenges.Peek(id); ok {
		d := e.limiter.Increment("verify:"+string(kind)+":"+ch.UserID, verifyWindowSeconds, verifyMaxAttempts)
		if !d.Allowed {
			return &oauth.Error{
				Code:        oauth.ErrRateLimitExceeded,
				Description: "too many verification attempts",
				RetryAfter:  d.RetryAfter,
			}
		}
	}

	ch, err := e.challenges.ConsumeAtomic(id, kind)
	if err != nil {
		return oauth.NewError(oauth.ErrAccessDenied, "challenge is not available")
	}

	presented := crypto.SHA256Base64URL(secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(ch.Hash)) != 1 {
		return oauth.NewError(oauth.ErrAccessDenied, "verification failed")
	}

	auth.UserID = ch.UserID
	if auth.Subject == "" {
		auth.Subject = ch.UserID
	}
	auth.addAMR(amrFor(kind))
	if auth.AuthTime.IsZero() {
		auth.AuthTime = e.now()
	}
	return nil
}

// VerifyTOTP checks an authenticator code for the flow's user through the
// configured verifier, under the same fail-closed attempt counter as
// credential challenges.
func (e *Engine) VerifyTOTP(ctx context.Context, tenantID, code string, auth *AuthnResult) error {
	if e.totp == nil {
		return oauth.NewError(oauth.ErrInvalidRequest, "totp verification is not configured")
	}
	if auth.UserID == "" {
		return oauth.NewError(oauth.ErrLoginRequired, "primary authentication must complete first")
	}

	d := e.limiter.Increment("verify:totp:"+auth.UserID, verifyWindowSeconds, verifyMaxAttempts)
	if !d.Allowed {
		return &oauth.Error{
			Code:        oauth.ErrRateLimitExceeded,
			Description: "too many verification attempts",
			RetryAfter:  d.RetryAfter,
		}
	}

	method, err := e.totp.Verify(ctx, tenantID, auth.UserID, code)
	if err != nil {
		return oauth.NewError(oauth.ErrAccessDenied, "verification failed")
	}
	auth.addAMR(method)
	auth.addAMR("mfa")
	if auth.AuthTime.IsZero() {
		auth.AuthTime = e.now()
	}
	return nil
}

func amrFor(kind store.ChallengeType) string {
	switch kind {
	case store.ChallengeOTP:
		return "otp"
	case store.ChallengeWebAuthn:
		return "hwk"
	case store.ChallengeMagicLink:
		return "mca"
	default:
		return string(kind)
	}
}

// authorizeParams serializes a validated request back to wire parameters
// for the flow carrier.
func authorizeParams(v *ValidatedRequest) map[string][]string {
	params := map[string][]string{
		"client_id":     {v.Client.ID},
		"redirect_uri":  {v.RedirectURI},
		"response_type": {oauth.JoinScope(v.ResponseTypes)},
		"scope":         {oauth.JoinScope(v.Scope)},
	}
	set := func(k, val string) {
		if val != "" {
			params[k] = []string{val}
		}
	}
	set("state", v.State)
	set("nonce", v.Nonce)
	set("code_challenge", v.CodeChallenge)
	if v.CodeChallenge != "" {
		params["code_challenge_method"] = []string{"S256"}
	}
	set("response_mode", v.ResponseMode)
	set("acr_values", oauth.JoinScope(v.ACRValues))
	set("dpop_jkt", v.DPoPJKT)
	return params
}
