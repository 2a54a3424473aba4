package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/token"
)

// Grant type identifiers (RFC 6749, RFC 8628)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// SupportedGrantTypes lists every grant the server implements
var SupportedGrantTypes = []string{
	GrantTypeAuthorizationCode,
	GrantTypeClientCredentials,
	GrantTypeRefreshToken,
	GrantTypeDeviceCode,
}

// Grant is a token request for one grant type. The set of grants is closed:
// only the types in this package implement it, and Token handles each of them.
type Grant interface {
	GrantType() string
	isGrant()
}

// AuthorizationCodeGrant exchanges an authorization code (RFC 6749 section 4.1.3)
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ClientCredentialsGrant requests a token for the client itself (RFC 6749 section 4.4)
type ClientCredentialsGrant struct {
	Scope string
}

// RefreshTokenGrant redeems a refresh token (RFC 6749 section 6)
type RefreshTokenGrant struct {
	RefreshToken string
	Scope        string
}

// DeviceCodeGrant polls for a device authorization (RFC 8628 section 3.4)
type DeviceCodeGrant struct {
	DeviceCode string
}

func (*AuthorizationCodeGrant) GrantType() string { return GrantTypeAuthorizationCode }
func (*ClientCredentialsGrant) GrantType() string { return GrantTypeClientCredentials }
func (*RefreshTokenGrant) GrantType() string      { return GrantTypeRefreshToken }
func (*DeviceCodeGrant) GrantType() string        { return GrantTypeDeviceCode }

func (*AuthorizationCodeGrant) isGrant() {}
func (*ClientCredentialsGrant) isGrant() {}
func (*RefreshTokenGrant) isGrant()      {}
func (*DeviceCodeGrant) isGrant()        {}

// TokenResponse is the successful token endpoint response (RFC 6749 section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Token processes a token request. Expected failures are returned as *Error;
// unexpected ones are logged and reported as server_error.
func (s *Server) Token(ctx context.Context, creds ClientCredentials, grant Grant) (*TokenResponse, error) {
	if grant == nil {
		return nil, ErrUnsupportedGrantType("grant_type is required")
	}

	ctx, span := s.startSpan(ctx, "server.token")
	defer span.End()
	instrumentation.AddGrantAttributes(span, grant.GrantType(), creds.ClientID, "")
	instrumentation.AddClientIPAttribute(span, s.instrumentation, clientIPFrom(ctx))

	var (
		resp *TokenResponse
		err  error
	)
	switch g := grant.(type) {
	case *AuthorizationCodeGrant:
		resp, err = s.exchangeAuthorizationCode(ctx, creds, g)
	case *ClientCredentialsGrant:
		resp, err = s.clientCredentials(ctx, creds, g)
	case *RefreshTokenGrant:
		resp, err = s.refreshToken(ctx, creds, g)
	case *DeviceCodeGrant:
		resp, err = s.pollDeviceCode(ctx, creds, g)
	default:
		err = ErrUnsupportedGrantType("unsupported grant type")
	}

	finishSpan(span, err)
	if err != nil {
		code := ErrorCodeServerError
		if oauthErr := AsError(err); oauthErr != nil {
			code = oauthErr.Code
		}
		s.metrics().RecordGrantError(ctx, grant.GrantType(), code)
		return nil, err
	}
	s.metrics().RecordTokenIssued(ctx, grant.GrantType(), creds.ClientID)
	return resp, nil
}

// issuance describes the tokens to mint for a successful grant
type issuance struct {
	grantType string
	client    *storage.Client
	user      *storage.User // nil for client_credentials
	scopes    []string
	nonce     string
	authTime  time.Time
}

func (i *issuance) subject() string {
	if i.user != nil {
		return i.user.ID
	}
	return i.client.ClientID
}

// wantsRefreshToken reports whether a refresh token accompanies the access
// token: the user asked for offline access and the client may refresh.
func (i *issuance) wantsRefreshToken() bool {
	return i.user != nil &&
		hasScope(i.scopes, ScopeOfflineAccess) &&
		i.client.HasGrantType(GrantTypeRefreshToken)
}

func (i *issuance) wantsIDToken() bool {
	return i.user != nil && hasScope(i.scopes, ScopeOpenID)
}

// mintAccessToken signs an access token honoring the client's lifetime override
func (s *Server) mintAccessToken(iss *issuance) (*token.IssuedToken, error) {
	ttl := iss.client.AccessTokenTTL
	if ttl <= 0 {
		ttl = s.Config.AccessTokenTTL
	}
	return s.issuer.CreateAccessToken(token.AccessTokenRequest{
		Subject:  iss.subject(),
		ClientID: iss.client.ClientID,
		Scope:    util.FormatScope(iss.scopes),
		TTL:      ttl,
	})
}

// mintIDToken signs an ID token for the user, binding it to accessToken via at_hash
func (s *Server) mintIDToken(iss *issuance, accessToken string) (string, error) {
	ttl := iss.client.IDTokenTTL
	if ttl <= 0 {
		ttl = s.Config.IDTokenTTL
	}
	return s.issuer.CreateIDToken(token.IDTokenRequest{
		Subject:     iss.user.ID,
		ClientID:    iss.client.ClientID,
		Nonce:       iss.nonce,
		AuthTime:    iss.authTime,
		AccessToken: accessToken,
		Claims:      userClaims(iss.user, iss.scopes),
		TTL:         ttl,
	})
}

// newRefreshToken builds (but does not store) a refresh token for iss
func (s *Server) newRefreshToken(iss *issuance, at *token.IssuedToken) *storage.RefreshToken {
	ttl := iss.client.RefreshTokenTTL
	if ttl <= 0 {
		ttl = s.Config.RefreshTokenTTL
	}
	now := s.now()
	return &storage.RefreshToken{
		Token:                generateRandomToken(),
		ClientID:             iss.client.ClientID,
		UserID:               iss.user.ID,
		Scope:                util.FormatScope(iss.scopes),
		AuthTime:             iss.authTime,
		IssuedAt:             now,
		ExpiresAt:            now.Add(ttl),
		AccessTokenJTI:       at.JTI,
		AccessTokenExpiresAt: at.ExpiresAt,
	}
}

// issueTokens mints the access token and, when appropriate, an ID token and a
// stored refresh token.
func (s *Server) issueTokens(ctx context.Context, iss *issuance) (*TokenResponse, error) {
	minted, err := s.mintTokens(ctx, iss)
	if err != nil {
		return nil, err
	}
	if err := s.storeRefreshToken(ctx, minted); err != nil {
		return nil, err
	}
	s.auditIssued(ctx, iss, minted.resp)
	return minted.resp, nil
}

// mintedTokens is a signed but not yet persisted token response
type mintedTokens struct {
	resp         *TokenResponse
	accessToken  *token.IssuedToken
	refreshToken *storage.RefreshToken // nil when none is issued
}

// mintTokens signs the tokens for iss and builds its refresh token without
// touching storage, so grants that must win a compare-and-swap first can
// record the access token in that same step.
func (s *Server) mintTokens(ctx context.Context, iss *issuance) (*mintedTokens, error) {
	at, err := s.mintAccessToken(iss)
	if err != nil {
		return nil, s.internalError(ctx, "Failed to sign access token", err)
	}

	m := &mintedTokens{
		accessToken: at,
		resp: &TokenResponse{
			AccessToken: at.Token,
			TokenType:   "Bearer",
			ExpiresIn:   at.ExpiresIn,
			Scope:       util.FormatScope(iss.scopes),
		},
	}

	if iss.wantsIDToken() {
		if m.resp.IDToken, err = s.mintIDToken(iss, at.Token); err != nil {
			return nil, s.internalError(ctx, "Failed to sign ID token", err)
		}
	}
	if iss.wantsRefreshToken() {
		m.refreshToken = s.newRefreshToken(iss, at)
		m.resp.RefreshToken = m.refreshToken.Token
	}
	return m, nil
}

func (s *Server) storeRefreshToken(ctx context.Context, m *mintedTokens) error {
	if m.refreshToken == nil {
		return nil
	}
	if err := s.stores.RefreshTokens.SaveRefreshToken(ctx, m.refreshToken); err != nil {
		return s.internalError(ctx, "Failed to store refresh token", err)
	}
	return nil
}

func (s *Server) auditIssued(ctx context.Context, iss *issuance, resp *TokenResponse) {
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(iss.subject(), iss.client.ClientID, clientIPFrom(ctx), iss.grantType, resp.Scope)
	}
}

// userClaims returns the OIDC standard claims the scopes grant access to
func userClaims(user *storage.User, scopes []string) map[string]any {
	claims := map[string]any{}
	if hasScope(scopes, ScopeProfile) {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		claims["preferred_username"] = user.Username
	}
	if hasScope(scopes, ScopeEmail) && user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	return claims
}

// loadGrantUser resolves the resource owner a grant was issued to
func (s *Server) loadGrantUser(ctx context.Context, userID string) (*storage.User, error) {
	user, err := s.stores.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidGrant("resource owner no longer exists")
		}
		return nil, s.internalError(ctx, "Failed to load user", err)
	}
	if !user.Active {
		return nil, ErrInvalidGrant("resource owner is disabled")
	}
	return user, nil
}
