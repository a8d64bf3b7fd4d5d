package flow

import (
	"net/url"

	"github.com/keyfold/keyfold/internal/oauth"
)

// ValidatedRequest is an authorize request that passed every check.
type ValidatedRequest struct {
	TenantID      string
	Client        *oauth.Client
	RedirectURI   string
	ResponseTypes []string // canonical parts, e.g. ["code", "id_token"]
	Scope         []string
	State         string
	Nonce         string
	CodeChallenge string
	ResponseMode  string
	ACRValues     []string
	DPoPJKT       string
	PARConsumed   bool
	FlowState     string
}

// HasResponseType reports whether the response includes the given part.
func (v *ValidatedRequest) HasResponseType(part string) bool {
	for _, rt := range v.ResponseTypes {
		if rt == part {
			return true
		}
	}
	return false
}

// AuthorizeError is a validation failure. When RedirectURI is empty the
// redirect target itself could not be trusted and the caller must render an
// error page instead of redirecting.
type AuthorizeError struct {
	Err          *oauth.Error
	RedirectURI  string
	ResponseMode string
	State        string
}

func (e *AuthorizeError) Error() string { return e.Err.Error() }

// pageError is a failure that invalidates the redirect target.
func pageError(code, format string, args ...any) *AuthorizeError {
	return &AuthorizeError{Err: oauth.NewError(code, format, args...)}
}

// Validate runs the authorize checks in their fixed order: client,
// redirect_uri, response_type, scope, state policy, nonce, PKCE. When
// request_uri is present the pushed request is consumed right after client
// resolution, since the parameters under validation live in the pushed
// request itself.
func (e *Engine) Validate(tenantID string, params url.Values) (*ValidatedRequest, *AuthorizeError) {
	// 1. Client.
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, pageError(oauth.ErrInvalidRequest, "client_id is required")
	}
	client, err := e.clients.ResolveClient(tenantID, clientID)
	if err != nil || client == nil || !client.Active {
		return nil, pageError(oauth.ErrInvalidClient, "unknown or inactive client")
	}

	// PAR expansion. The consume is client-bound and single-use.
	parConsumed := false
	if requestURI := params.Get("request_uri"); requestURI != "" {
		rec, err := e.pars.Consume(requestURI, clientID)
		if err != nil {
			return nil, pageError(oauth.ErrInvalidRequest, "invalid or expired request_uri")
		}
		pushed := rec.Params
		pushed.Set("client_id", clientID)
		params = pushed
		parConsumed = true
	}

	// 2. redirect_uri.
	redirectURI := params.Get("redirect_uri")
	if !client.MatchRedirectURI(redirectURI) {
		return nil, pageError(oauth.ErrInvalidRequest, "redirect_uri is not registered for this client")
	}

	// Failures from here on are safe to deliver via redirect.
	responseType := params.Get("response_type")
	state := params.Get("state")
	responseTypes := oauth.ParseScope(responseType)
	mode := resolveResponseMode(params.Get("response_mode"), responseTypes)
	fail := func(code, format string, args ...any) *AuthorizeError {
		return &AuthorizeError{
			Err:          oauth.NewError(code, format, args...),
			RedirectURI:  redirectURI,
			ResponseMode: mode,
			State:        state,
		}
	}

	// 3. response_type.
	if responseType == "" {
		return nil, fail(oauth.ErrInvalidRequest, "response_type is required")
	}
	for _, rt := range responseTypes {
		switch rt {
		case "code", "id_token", "token":
		default:
			return nil, fail(oauth.ErrUnsupportedResponseType, "unknown response_type %q", rt)
		}
	}
	if !client.AllowsResponseType(responseType) {
		return nil, fail(oauth.ErrUnsupportedResponseType, "response_type %q is not allowed for this client", responseType)
	}
	hasIDToken := containsPart(responseTypes, "id_token")
	hasToken := containsPart(responseTypes, "token")

	// Token-bearing responses must not be delivered in the query string.
	if (hasIDToken || hasToken) && params.Get("response_mode") == ResponseModeQuery {
		return nil, fail(oauth.ErrInvalidRequest, "response_mode=query is not allowed for this response_type")
	}

	// 4. scope.
	scope := oauth.ParseScope(params.Get("scope"))
	if !oauth.ScopeSubset(scope, client.Scopes) {
		return nil, fail(oauth.ErrInvalidScope, "requested scope exceeds the client's grant")
	}
	if hasIDToken && !oauth.HasScope(scope, "openid") {
		return nil, fail(oauth.ErrInvalidScope, "scope openid is required for id_token responses")
	}

	// 5. state policy.
	if e.requireState && state == "" {
		return nil, fail(oauth.ErrInvalidRequest, "state is required")
	}

	// 6. nonce.
	nonce := params.Get("nonce")
	if hasIDToken && nonce == "" {
		return nil, fail(oauth.ErrInvalidRequest, "nonce is required for id_token responses")
	}

	// 7. PKCE.
	challenge := params.Get("code_challenge")
	method := params.Get("code_challenge_method")
	needPKCE := client.Type == oauth.ClientPublic || client.RequirePKCE
	if containsPart(responseTypes, "code") {
		if needPKCE && challenge == "" {
			return nil, fail(oauth.ErrInvalidRequest, "code_challenge is required")
		}
		if challenge != "" && method != "S256" {
			return nil, fail(oauth.ErrInvalidRequest, "code_challenge_method must be S256")
		}
	}

	return &ValidatedRequest{
		TenantID:      tenantID,
		Client:        client,
		RedirectURI:   redirectURI,
		ResponseTypes: responseTypes,
		Scope:         scope,
		State:         state,
		Nonce:         nonce,
		CodeChallenge: challenge,
		ResponseMode:  mode,
		ACRValues:     oauth.ParseScope(params.Get("acr_values")),
		DPoPJKT:       params.Get("dpop_jkt"),
		PARConsumed:   parConsumed,
		FlowState:     StateValidated,
	}, nil
}

func containsPart(parts []string, want string) bool {
	for _, p := range parts {
		if p == want {
			return true
		}
	}
	return false
}

// resolveResponseMode picks the effective mode: query for pure code
// responses, fragment when the response carries tokens, form_post when
// requested.
func resolveResponseMode(requested string, responseTypes []string) string {
	if requested == ResponseModeFormPost {
		return ResponseModeFormPost
	}
	for _, rt := range responseTypes {
		if rt == "id_token" || rt == "token" {
			return ResponseModeFragment
		}
	}
	if requested == ResponseModeFragment {
		return ResponseModeFragment
	}
	return ResponseModeQuery
}
