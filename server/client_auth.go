package server

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
)

// dummySecretHash is compared against when the client does not exist, so an
// unknown client_id costs as much time as a wrong secret.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy" //nolint:gosec // not a real credential

// ClientCredentials are the credentials a client presented at an endpoint,
// together with the method it used to present them.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	Method       string // storage.AuthMethodSecretBasic, AuthMethodSecretPost or AuthMethodNone
}

// ResolveClientCredentials picks the effective credentials of a request.
// HTTP Basic credentials take precedence over form parameters when both are
// present.
func ResolveClientCredentials(basicID, basicSecret string, hasBasic bool, formID, formSecret string) ClientCredentials {
	if hasBasic && basicID != "" {
		return ClientCredentials{
			ClientID:     basicID,
			ClientSecret: basicSecret,
			Method:       storage.AuthMethodSecretBasic,
		}
	}
	if formSecret != "" {
		return ClientCredentials{
			ClientID:     formID,
			ClientSecret: formSecret,
			Method:       storage.AuthMethodSecretPost,
		}
	}
	return ClientCredentials{ClientID: formID, Method: storage.AuthMethodNone}
}

// AuthenticateClient verifies the presented credentials against the client's
// registration. Public clients authenticate with their client_id alone;
// confidential clients must present one of their active secrets using their
// registered authentication method. Every failure is invalid_client.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials) (*storage.Client, error) {
	if creds.ClientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	client, err := s.stores.Clients.GetClient(ctx, creds.ClientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, s.internalError(ctx, "Failed to load client", err)
		}
		// Equalize timing with the wrong-secret path
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(creds.ClientSecret))
		s.logAuthFailure(ctx, "", creds.ClientID, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if !client.Active {
		s.logAuthFailure(ctx, "", creds.ClientID, "inactive_client")
		return nil, ErrInvalidClient("client authentication failed")
	}

	if client.IsPublic() {
		if creds.ClientSecret != "" || creds.Method != storage.AuthMethodNone {
			s.logAuthFailure(ctx, "", creds.ClientID, "public_client_presented_secret")
			return nil, ErrInvalidClient("public clients must not authenticate with a secret")
		}
		return client, nil
	}

	if creds.ClientSecret == "" || creds.Method == storage.AuthMethodNone {
		s.logAuthFailure(ctx, "", creds.ClientID, "missing_client_secret")
		return nil, ErrInvalidClient("client authentication required")
	}
	if creds.Method != client.TokenEndpointAuthMethod {
		s.logAuthFailure(ctx, "", creds.ClientID, "auth_method_not_allowed")
		return nil, ErrInvalidClient("client authentication method not allowed for this client")
	}

	// Linear scan; a client holds at most storage.MaxClientSecrets secrets.
	// bcrypt comparison is constant time per entry.
	for _, secret := range client.ActiveSecrets(s.now()) {
		if bcrypt.CompareHashAndPassword([]byte(secret.Hash), []byte(creds.ClientSecret)) == nil {
			return client, nil
		}
	}

	s.logger(ctx).Debug("Client secret mismatch", "client_id", util.SafeTruncate(creds.ClientID, 64))
	s.logAuthFailure(ctx, "", creds.ClientID, "invalid_client_secret")
	return nil, ErrInvalidClient("client authentication failed")
}

func (s *Server) logAuthFailure(ctx context.Context, userID, clientID, reason string) {
	if s.Auditor != nil && s.allowSecurityEventLog("auth_failure:"+clientID) {
		s.Auditor.LogAuthFailure(userID, clientID, clientIPFrom(ctx), reason)
	}
}
