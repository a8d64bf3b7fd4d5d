package grant

import (
	"github.com/keyfold/keyfold/internal/oauth"
)

// AuthenticateClient verifies client credentials per the client's
// registered token_endpoint_auth_method. Public clients authenticate with
// method none and rely on PKCE; confidential clients present their secret
// via Basic auth or the request body, matching their registration.
func (h *Handler) AuthenticateClient(req Request) (*oauth.Client, *oauth.Error) {
	clientID := req.Form.Get("client_id")
	if req.HasBasic {
		clientID = req.BasicUser
	}
	if clientID == "" {
		return nil, oauth.NewError(oauth.ErrInvalidClient, "client_id is required")
	}

	client, err := h.clients.ResolveClient(req.TenantID, clientID)
	if err != nil || client == nil || !client.Active {
		return nil, oauth.NewError(oauth.ErrInvalidClient, "unknown or inactive client")
	}

	switch client.TokenEndpointAuthMethod {
	case oauth.AuthMethodNone:
		if client.Type != oauth.ClientPublic {
			return nil, oauth.NewError(oauth.ErrInvalidClient, "confidential client must authenticate")
		}
		return client, nil

	case oauth.AuthMethodSecretBasic:
		if !req.HasBasic || !client.VerifySecret(req.BasicPass) {
			return nil, oauth.NewError(oauth.ErrInvalidClient, "client authentication failed")
		}
		return client, nil

	case oauth.AuthMethodSecretPost:
		if !client.VerifySecret(req.Form.Get("client_secret")) {
			return nil, oauth.NewError(oauth.ErrInvalidClient, "client authentication failed")
		}
		return client, nil

	default:
		return nil, oauth.NewError(oauth.ErrInvalidClient, "unsupported authentication method")
	}
}
