package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// exchangeAuthorizationCode redeems an authorization code.
//
// The code is checked (client binding, PKCE, redirect URI) before it is
// consumed, so a request with a wrong verifier cannot burn a code that the
// legitimate client still holds. Consumption itself is the storage layer's
// compare-and-swap: exactly one concurrent exchange gets past it. The tokens
// are signed before that step so the access token's jti is recorded on the
// code atomically; a replay arriving at any later point can revoke it.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, creds ClientCredentials, g *AuthorizationCodeGrant) (*TokenResponse, error) {
	if g.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if creds.ClientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	authCode, err := s.stores.Codes.GetAuthorizationCode(ctx, g.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			s.logger(ctx).Debug("Authorization code validation failed",
				"reason", "not_found",
				"client_id", creds.ClientID,
				"code_prefix", util.SafeTruncate(g.Code, tokenIDLogLength))
			return nil, ErrInvalidGrant("invalid authorization code")
		}
		if errors.Is(err, storage.ErrAuthorizationCodeExpired) {
			return nil, ErrInvalidGrant("authorization code expired")
		}
		return nil, s.internalError(ctx, "Failed to load authorization code", err)
	}

	if authCode.Used {
		s.handleCodeReplay(ctx, authCode)
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if s.expired(authCode.ExpiresAt) {
		return nil, ErrInvalidGrant("authorization code expired")
	}

	// Binding check before authentication: a stolen code must not reveal
	// whether the thief's credentials are valid.
	if authCode.ClientID != creds.ClientID {
		s.logger(ctx).Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", creds.ClientID,
			"code_prefix", util.SafeTruncate(g.Code, tokenIDLogLength))
		s.logAuthFailure(ctx, authCode.UserID, creds.ClientID, "client_id_mismatch")
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the authorization_code grant")
	}

	if err := security.VerifyPKCE(g.CodeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod, s.Config.AllowPKCEPlain); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    authCode.UserID,
				ClientID:  client.ClientID,
				IPAddress: clientIPFrom(ctx),
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	// Exact string comparison, no normalization
	if authCode.RedirectURI != g.RedirectURI {
		s.logger(ctx).Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", client.ClientID,
			"code_prefix", util.SafeTruncate(g.Code, tokenIDLogLength))
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	user, err := s.loadGrantUser(ctx, authCode.UserID)
	if err != nil {
		return nil, err
	}
	iss := &issuance{
		grantType: GrantTypeAuthorizationCode,
		client:    client,
		user:      user,
		scopes:    util.ParseScope(authCode.Scope),
		nonce:     authCode.Nonce,
		authTime:  authCode.AuthTime,
	}
	minted, err := s.mintTokens(ctx, iss)
	if err != nil {
		return nil, err
	}

	consumed, err := s.stores.Codes.ConsumeAuthorizationCode(ctx, g.Code, minted.accessToken.JTI, minted.accessToken.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			// Lost the race against a concurrent exchange, or a replay
			if consumed != nil {
				s.handleCodeReplay(ctx, consumed)
			}
			return nil, ErrInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound), errors.Is(err, storage.ErrAuthorizationCodeExpired):
			return nil, ErrInvalidGrant("invalid authorization code")
		default:
			return nil, s.internalError(ctx, "Failed to consume authorization code", err)
		}
	}

	if err := s.storeRefreshToken(ctx, minted); err != nil {
		return nil, err
	}
	if minted.refreshToken != nil {
		if err := s.revokeIfReplayed(ctx, consumed, minted); err != nil {
			return nil, err
		}
	}

	s.auditIssued(ctx, iss, minted.resp)
	return minted.resp, nil
}

// revokeIfReplayed closes the window between consuming a code and saving its
// refresh token. A replay in that window blacklists the recorded access token
// but finds no refresh token to revoke yet, so the blacklist entry is checked
// after the save and the refresh token revoked here instead.
func (s *Server) revokeIfReplayed(ctx context.Context, code *storage.AuthorizationCode, minted *mintedTokens) error {
	replayed, err := s.stores.Blacklist.IsTokenBlacklisted(ctx, minted.accessToken.JTI)
	if err == nil && !replayed {
		return nil
	}

	if revokeErr := s.stores.RefreshTokens.RevokeRefreshToken(ctx, minted.refreshToken.Token); revokeErr != nil {
		s.logger(ctx).Error("Failed to revoke refresh token of replayed authorization code", "error", revokeErr)
	}
	if err != nil {
		return s.internalError(ctx, "Failed to check access token state", err)
	}

	s.logger(ctx).Warn("Authorization code replayed during exchange, tokens withdrawn",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return ErrInvalidGrant("invalid authorization code")
}

// handleCodeReplay responds to a used authorization code being presented
// again: the access token it produced is blacklisted and every live refresh
// token of the (user, client) pair is revoked (RFC 6749 section 4.1.2).
func (s *Server) handleCodeReplay(ctx context.Context, code *storage.AuthorizationCode) {
	logger := s.logger(ctx)
	s.metrics().RecordCodeReplayDetected(ctx)

	if code.AccessTokenJTI != "" {
		if err := s.stores.Blacklist.BlacklistToken(ctx, code.AccessTokenJTI, code.AccessTokenExpiresAt); err != nil {
			logger.Error("Failed to blacklist access token after code replay", "error", err)
		}
	}

	revoked, err := s.revokeLineage(ctx, code.UserID, code.ClientID)
	if err != nil {
		logger.Error("Failed to revoke tokens after code replay", "error", err)
	}

	if s.allowSecurityEventLog("code_replay:" + code.UserID + ":" + code.ClientID) {
		logger.Error("Authorization code reuse detected - revoking all tokens",
			"client_id", code.ClientID,
			"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
			"revoked_refresh_tokens", revoked)
		if s.Auditor != nil {
			s.Auditor.LogReplayDetected(security.EventAuthorizationCodeReuseDetected,
				code.UserID, code.ClientID, clientIPFrom(ctx), revoked)
		}
	}
}

// revokeLineage revokes every live refresh token of the (user, client) pair
// and blacklists the access tokens minted with them.
func (s *Server) revokeLineage(ctx context.Context, userID, clientID string) (int, error) {
	revoked, err := s.stores.RefreshTokens.RevokeRefreshTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, err
	}
	for _, rt := range revoked {
		if rt.AccessTokenJTI == "" {
			continue
		}
		if err := s.stores.Blacklist.BlacklistToken(ctx, rt.AccessTokenJTI, rt.AccessTokenExpiresAt); err != nil {
			s.logger(ctx).Warn("Failed to blacklist access token of revoked refresh token", "error", err)
		}
	}
	if len(revoked) > 0 && s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventLineageRevoked,
			UserID:    userID,
			ClientID:  clientID,
			IPAddress: clientIPFrom(ctx),
			Details:   map[string]any{"revoked_refresh_tokens": len(revoked)},
		})
	}
	return len(revoked), nil
}
