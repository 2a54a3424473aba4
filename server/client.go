package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// ClientRegistration describes a client to register. Empty fields take
// defaults: confidential type, client_secret_basic, the authorization code
// and refresh token grants, response type code.
type ClientRegistration struct {
	ClientName              string
	ClientType              string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	RedirectURIs            []string
	DefaultRedirectURI      string
	Scopes                  []string
	DefaultScopes           []string
	RequirePKCE             bool
}

// resolveClientTypeAndAuthMethod determines the client type and auth method.
// Per RFC 7591 Section 2: token_endpoint_auth_method determines client type.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string) {
	if authMethod == storage.AuthMethodNone {
		clientType = storage.ClientTypePublic
	} else if clientType == "" {
		clientType = storage.ClientTypeConfidential
	}

	if authMethod == "" {
		if clientType == storage.ClientTypePublic {
			authMethod = storage.AuthMethodNone
		} else {
			authMethod = storage.AuthMethodSecretBasic
		}
	}
	return clientType, authMethod
}

// RegisterClient validates and stores a new client. For confidential clients
// the generated secret is returned in plaintext exactly once.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*storage.Client, string, error) {
	clientType, authMethod := resolveClientTypeAndAuthMethod(reg.ClientType, reg.TokenEndpointAuthMethod)
	switch authMethod {
	case storage.AuthMethodNone, storage.AuthMethodSecretBasic, storage.AuthMethodSecretPost:
	default:
		return nil, "", ErrInvalidClientMetadata("unsupported token_endpoint_auth_method")
	}

	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if !slices.Contains(SupportedGrantTypes, gt) {
			return nil, "", ErrInvalidClientMetadata("unsupported grant type: " + gt)
		}
	}
	if clientType == storage.ClientTypePublic && slices.Contains(grantTypes, GrantTypeClientCredentials) {
		return nil, "", ErrInvalidClientMetadata("public clients cannot use the client_credentials grant")
	}

	var responseTypes []string
	if slices.Contains(grantTypes, GrantTypeAuthorizationCode) {
		if len(reg.RedirectURIs) == 0 {
			return nil, "", ErrInvalidRedirectURI("at least one redirect_uri is required")
		}
		responseTypes = []string{ResponseTypeCode}
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURIForRegistration(uri, s.Config.Issuer, s.Config.AllowedCustomSchemes); err != nil {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventInvalidRedirect,
					IPAddress: clientIPFrom(ctx),
					Details:   map[string]any{"reason": err.Error()},
				})
			}
			return nil, "", ErrInvalidRedirectURI(err.Error())
		}
	}

	if len(s.Config.SupportedScopes) > 0 {
		if missing := missingScopes(reg.Scopes, s.Config.SupportedScopes); len(missing) > 0 {
			return nil, "", ErrInvalidClientMetadata(fmt.Sprintf("unsupported scopes: %v", missing))
		}
	}

	now := s.now()
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientName:              reg.ClientName,
		ClientType:              clientType,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		RedirectURIs:            reg.RedirectURIs,
		DefaultRedirectURI:      reg.DefaultRedirectURI,
		Scopes:                  reg.Scopes,
		DefaultScopes:           reg.DefaultScopes,
		RequirePKCE:             reg.RequirePKCE || clientType == storage.ClientTypePublic,
		Active:                  true,
		CreatedAt:               now,
	}

	var plaintext string
	if clientType == storage.ClientTypeConfidential {
		secret, secretPlain, err := newClientSecret("initial", now)
		if err != nil {
			return nil, "", s.internalError(ctx, "Failed to generate client secret", err)
		}
		client.Secrets = []storage.ClientSecret{secret}
		plaintext = secretPlain
	}

	if err := client.Validate(now); err != nil {
		return nil, "", ErrInvalidClientMetadata(err.Error())
	}
	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return nil, "", s.internalError(ctx, "Failed to save client", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIPFrom(ctx))
	}
	s.logger(ctx).Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod)

	return client, plaintext, nil
}

// newClientSecret generates a secret, returning its stored form and the plaintext
func newClientSecret(description string, now time.Time) (storage.ClientSecret, string, error) {
	plaintext := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return storage.ClientSecret{}, "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return storage.ClientSecret{
		ID:          uuid.NewString(),
		Hash:        string(hash),
		Description: description,
		CreatedAt:   now,
	}, plaintext, nil
}

// GetClient retrieves a registered client
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, s.internalError(ctx, "Failed to load client", err)
	}
	return client, nil
}

// AddClientSecret adds a secret to a confidential client so the old one can be
// phased out. A client holds at most storage.MaxClientSecrets secrets.
// expiresAt may be zero for a secret that does not expire.
func (s *Server) AddClientSecret(ctx context.Context, clientID, description string, expiresAt time.Time) (*storage.ClientSecret, string, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, "", err
	}
	if client.IsPublic() {
		return nil, "", ErrInvalidClientMetadata("public clients have no secrets")
	}
	if len(client.Secrets) >= storage.MaxClientSecrets {
		return nil, "", ErrInvalidClientMetadata(fmt.Sprintf("a client may hold at most %d secrets", storage.MaxClientSecrets))
	}

	secret, plaintext, err := newClientSecret(description, s.now())
	if err != nil {
		return nil, "", s.internalError(ctx, "Failed to generate client secret", err)
	}
	secret.ExpiresAt = expiresAt
	client.Secrets = append(client.Secrets, secret)

	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return nil, "", s.internalError(ctx, "Failed to save client", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogUserEvent(security.EventClientSecretAdded, "", clientID, clientIPFrom(ctx),
			map[string]any{"secret_id": secret.ID})
	}
	return &secret, plaintext, nil
}

// RevokeClientSecret removes a secret. The last active secret of a
// confidential client cannot be removed.
func (s *Server) RevokeClientSecret(ctx context.Context, clientID, secretID string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(client.Secrets, func(cs storage.ClientSecret) bool { return cs.ID == secretID })
	if idx < 0 {
		return ErrInvalidRequest("unknown client secret")
	}
	client.Secrets = slices.Delete(client.Secrets, idx, idx+1)

	if err := client.Validate(s.now()); err != nil {
		return ErrInvalidRequest("cannot remove the last active secret of a confidential client")
	}
	if err := s.stores.Clients.SaveClient(ctx, client); err != nil {
		return s.internalError(ctx, "Failed to save client", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogUserEvent(security.EventClientSecretRevoked, "", clientID, clientIPFrom(ctx),
			map[string]any{"secret_id": secretID})
	}
	return nil
}
