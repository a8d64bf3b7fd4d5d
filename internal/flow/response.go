package flow

import (
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"

	"github.com/keyfold/keyfold/internal/token"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// AuthorizeResponse is the assembled success response ready for delivery.
type AuthorizeResponse struct {
	RedirectURI string
	Mode        string
	Params      url.Values
}

// Complete assembles the response for an authenticated request: code when
// the response_type asks for one, access token for implicit/hybrid, id_token
// with c_hash/at_hash matching the sibling artifacts. State is reflected
// verbatim whenever the request supplied one.
func (e *Engine) Complete(v *ValidatedRequest, auth AuthnResult) (*AuthorizeResponse, error) {
	params := url.Values{}

	var code string
	if v.HasResponseType("code") {
		rec, err := e.MintCode(v, auth)
		if err != nil {
			return nil, fmt.Errorf("failed to mint authorization code: %w", err)
		}
		code = rec.Code
		params.Set("code", code)
	}

	var accessToken string
	if v.HasResponseType("token") {
		at, err := e.minter.MintAccessToken(token.AccessTokenContext{
			TenantID: v.TenantID,
			ClientID: v.Client.ID,
			Subject:  auth.Subject,
			Scope:    v.Scope,
			ACR:      auth.ACR,
			AMR:      auth.AMR,
			DPoPJKT:  v.DPoPJKT,
		})
		if err != nil {
			return nil, err
		}
		accessToken = at.Token
		params.Set("access_token", accessToken)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.Itoa(int(e.minter.AccessTTL().Seconds())))
	}

	if v.HasResponseType("id_token") {
		idToken, err := e.minter.MintIDToken(token.IDTokenContext{
			TenantID:    v.TenantID,
			ClientID:    v.Client.ID,
			Subject:     auth.Subject,
			Nonce:       v.Nonce,
			ACR:         auth.ACR,
			AMR:         auth.AMR,
			AuthTime:    auth.AuthTime,
			Code:        code,
			AccessToken: accessToken,
		})
		if err != nil {
			return nil, err
		}
		params.Set("id_token", idToken)
	}

	if v.State != "" {
		params.Set("state", v.State)
	}

	return &AuthorizeResponse{
		RedirectURI: v.RedirectURI,
		Mode:        v.ResponseMode,
		Params:      params,
	}, nil
}

// Location renders the redirect target for query and fragment modes.
func (r *AuthorizeResponse) Location() string {
	return Redirect(r.RedirectURI, r.Mode, r.Params)
}

// Redirect appends params to the redirect URI in the given mode.
func Redirect(redirectURI, mode string, params url.Values) string {
	encoded := params.Encode()
	if mode == ResponseModeFragment {
		return redirectURI + "#" + encoded
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI + "?" + encoded
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrorLocation renders the redirect for a validation failure that kept a
// trusted redirect target.
func (e *AuthorizeError) ErrorLocation() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return Redirect(e.RedirectURI, e.ResponseMode, params)
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit This Form</title></head>
<body onload="javascript:document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}"/>
{{- end}}
</form>
</body>
</html>
`))

// FormPostHTML renders the auto-submitting form for response_mode=form_post.
func (r *AuthorizeResponse) FormPostHTML() (string, error) {
	type field struct{ Name, Value string }
	data := struct {
		Action string
		Fields []field
	}{Action: r.RedirectURI}
	for k, vs := range r.Params {
		for _, v := range vs {
			data.Fields = append(data.Fields, field{Name: k, Value: v})
		}
	}
	var sb strings.Builder
	if err := formPostTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render form_post: %w", err)
	}
	return sb.String(), nil
}
