package server

import (
	"context"

	"github.com/giantswarm/oidc-authz/internal/util"
)

// clientCredentials issues a token to a confidential client acting on its own
// behalf. Requested scopes outside the client's allowed set are dropped rather
// than rejected, and openid/offline_access never apply since there is no
// end-user. An empty request gets the client's default scopes.
func (s *Server) clientCredentials(ctx context.Context, creds ClientCredentials, g *ClientCredentialsGrant) (*TokenResponse, error) {
	if len(g.Scope) > s.Config.MaxScopeLength {
		return nil, ErrInvalidScope("scope parameter too long")
	}

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, ErrUnauthorizedClient("public clients cannot use the client_credentials grant")
	}
	if !client.HasGrantType(GrantTypeClientCredentials) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the client_credentials grant")
	}

	requested := util.ParseScope(g.Scope)
	if len(requested) == 0 {
		requested = client.DefaultScopes
	}
	scopes := filterScopes(requested, client.Scopes, ScopeOpenID, ScopeOfflineAccess)
	if dropped := missingScopes(requested, scopes); len(dropped) > 0 {
		s.logger(ctx).Debug("Dropped scopes from client_credentials request",
			"client_id", client.ClientID,
			"dropped", util.FormatScope(dropped))
	}

	resp, err := s.issueTokens(ctx, &issuance{
		grantType: GrantTypeClientCredentials,
		client:    client,
		scopes:    scopes,
	})
	return resp, err
}
