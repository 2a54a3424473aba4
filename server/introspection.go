package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/token"
)

// Token type hints (RFC 7009 section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionResponse is the RFC 7662 section 2.2 response
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Nbf       int64    `json:"nbf,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	Jti       string   `json:"jti,omitempty"`
}

func inactive() *IntrospectionResponse {
	return &IntrospectionResponse{Active: false}
}

// Introspect reports the state of a token to an authenticated confidential
// client. Any failure to resolve the token yields {active: false}; the only
// errors returned concern the caller's own authentication.
func (s *Server) Introspect(ctx context.Context, creds ClientCredentials, raw, hint string) (*IntrospectionResponse, error) {
	ctx, span := s.startSpan(ctx, "server.introspect")
	defer span.End()

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	if client.IsPublic() {
		err := ErrUnauthorizedClient("public clients cannot introspect tokens")
		finishSpan(span, err)
		return nil, err
	}
	if raw == "" {
		return inactive(), nil
	}

	var resp *IntrospectionResponse
	if hint == TokenTypeHintRefreshToken {
		resp = s.introspectRefreshToken(ctx, raw)
		if !resp.Active {
			resp = s.introspectAccessToken(ctx, raw)
		}
	} else {
		resp = s.introspectAccessToken(ctx, raw)
		if !resp.Active {
			resp = s.introspectRefreshToken(ctx, raw)
		}
	}

	s.metrics().RecordIntrospection(ctx, resp.Active)
	finishSpan(span, nil)
	return resp, nil
}

func (s *Server) introspectAccessToken(ctx context.Context, raw string) *IntrospectionResponse {
	if !token.LooksLikeJWT(raw) {
		return inactive()
	}
	claims, err := s.issuer.DecodeAccessToken(raw)
	if err != nil {
		return inactive()
	}
	blacklisted, err := s.stores.Blacklist.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		s.logger(ctx).Error("Blacklist lookup failed during introspection", "error", err)
		return inactive()
	}
	if blacklisted {
		return inactive()
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		TokenType: "Bearer",
		Exp:       claims.ExpiresAt.Unix(),
		Iat:       claims.IssuedAt.Unix(),
		Sub:       claims.Subject,
		Aud:       claims.Audience,
		Iss:       claims.Issuer,
		Jti:       claims.ID,
	}
	if !claims.NotBefore.IsZero() {
		resp.Nbf = claims.NotBefore.Unix()
	}
	resp.Username = s.usernameFor(ctx, claims.Subject, claims.ClientID)
	return resp
}

func (s *Server) introspectRefreshToken(ctx context.Context, raw string) *IntrospectionResponse {
	rt, err := s.stores.RefreshTokens.GetRefreshToken(ctx, raw)
	if err != nil {
		if !errors.Is(err, storage.ErrRefreshTokenNotFound) {
			s.logger(ctx).Error("Refresh token lookup failed during introspection", "error", err)
		}
		return inactive()
	}
	if rt.Revoked || s.expired(rt.ExpiresAt) {
		return inactive()
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     rt.Scope,
		ClientID:  rt.ClientID,
		TokenType: TokenTypeHintRefreshToken,
		Iat:       rt.IssuedAt.Unix(),
		Sub:       rt.UserID,
		Iss:       s.Config.Issuer,
	}
	if !rt.ExpiresAt.IsZero() {
		resp.Exp = rt.ExpiresAt.Unix()
	}
	resp.Username = s.usernameFor(ctx, rt.UserID, rt.ClientID)
	return resp
}

// usernameFor returns the login name of a user subject. Client credentials
// tokens have the client as subject and no username.
func (s *Server) usernameFor(ctx context.Context, subject, clientID string) string {
	if subject == "" || subject == clientID {
		return ""
	}
	user, err := s.stores.Users.GetUser(ctx, subject)
	if err != nil {
		return ""
	}
	return user.Username
}

// Revoke revokes an access or refresh token (RFC 7009). The calling client
// must authenticate. Unknown tokens, tokens that are already invalid and
// tokens issued to other clients are ignored, and the call still succeeds.
func (s *Server) Revoke(ctx context.Context, creds ClientCredentials, raw, hint string) error {
	ctx, span := s.startSpan(ctx, "server.revoke")
	defer span.End()

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		finishSpan(span, err)
		return err
	}
	if raw == "" {
		err := ErrInvalidRequest("token is required")
		finishSpan(span, err)
		return err
	}

	// The hint only orders the lookups (RFC 7009 section 2.1); a token not
	// found as the hinted type is tried as the other.
	var found bool
	switch {
	case !token.LooksLikeJWT(raw):
		_, err = s.revokeRefreshToken(ctx, client, raw)
	case hint == TokenTypeHintRefreshToken:
		found, err = s.revokeRefreshToken(ctx, client, raw)
		if err == nil && !found {
			err = s.revokeAccessToken(ctx, client, raw)
		}
	default:
		err = s.revokeAccessToken(ctx, client, raw)
	}
	finishSpan(span, err)
	return err
}

func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, raw string) error {
	claims, err := s.issuer.DecodeAccessToken(raw)
	if err != nil {
		// Expired or forged tokens need no revocation
		return nil
	}
	if claims.ClientID != client.ClientID {
		s.logger(ctx).Debug("Ignoring revocation of a token issued to another client",
			"client_id", client.ClientID)
		return nil
	}
	if err := s.stores.Blacklist.BlacklistToken(ctx, claims.ID, claims.ExpiresAt); err != nil {
		return s.internalError(ctx, "Failed to blacklist access token", err)
	}

	s.metrics().RecordTokenRevocation(ctx, TokenTypeHintAccessToken)
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(claims.Subject, client.ClientID, clientIPFrom(ctx), TokenTypeHintAccessToken)
	}
	return nil
}

// revokeRefreshToken reports whether raw is a known refresh token. Tokens of
// other clients count as found and are left alone.
func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, raw string) (bool, error) {
	rt, err := s.stores.RefreshTokens.GetRefreshToken(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return false, nil
		}
		return false, s.internalError(ctx, "Failed to load refresh token", err)
	}
	if rt.ClientID != client.ClientID {
		s.logger(ctx).Debug("Ignoring revocation of a token issued to another client",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(raw, tokenIDLogLength))
		return true, nil
	}
	if rt.Revoked {
		return true, nil
	}

	if err := s.stores.RefreshTokens.RevokeRefreshToken(ctx, raw); err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			return true, nil
		}
		return true, s.internalError(ctx, "Failed to revoke refresh token", err)
	}
	if rt.AccessTokenJTI != "" {
		if err := s.stores.Blacklist.BlacklistToken(ctx, rt.AccessTokenJTI, rt.AccessTokenExpiresAt); err != nil {
			s.logger(ctx).Warn("Failed to blacklist access token of revoked refresh token", "error", err)
		}
	}

	s.metrics().RecordTokenRevocation(ctx, TokenTypeHintRefreshToken)
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(rt.UserID, client.ClientID, clientIPFrom(ctx), TokenTypeHintRefreshToken)
	}
	return true, nil
}

// ValidateAccessToken verifies a bearer token for a protected resource:
// signature, issuer, expiry, token type and the blacklist.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken("missing access token")
	}
	claims, err := s.issuer.DecodeAccessToken(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpiredToken) {
			return nil, ErrInvalidToken("access token expired")
		}
		return nil, ErrInvalidToken("invalid access token")
	}
	blacklisted, err := s.stores.Blacklist.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return nil, s.internalError(ctx, "Failed to check token blacklist", err)
	}
	if blacklisted {
		return nil, ErrInvalidToken("access token revoked")
	}
	return claims, nil
}
