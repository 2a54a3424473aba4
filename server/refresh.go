package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// refreshToken redeems a refresh token.
//
// With rotation enabled the presented token is revoked and replaced by a new
// one in a single storage operation before the response is returned, so at
// most one token of a rotation chain is ever live. Presenting a token that was
// already rotated away is treated as theft and revokes the whole
// (user, client) lineage.
func (s *Server) refreshToken(ctx context.Context, creds ClientCredentials, g *RefreshTokenGrant) (*TokenResponse, error) {
	if g.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if creds.ClientID == "" {
		return nil, ErrInvalidClient("client authentication required")
	}

	rt, err := s.stores.RefreshTokens.GetRefreshToken(ctx, g.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) || errors.Is(err, storage.ErrRefreshTokenExpired) {
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		return nil, s.internalError(ctx, "Failed to load refresh token", err)
	}

	if rt.Revoked {
		if rt.ReplacedBy != "" && rt.ClientID == creds.ClientID {
			s.handleRefreshReuse(ctx, rt)
		}
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if s.expired(rt.ExpiresAt) {
		return nil, ErrInvalidGrant("refresh token expired")
	}

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if rt.ClientID != client.ClientID {
		s.logAuthFailure(ctx, rt.UserID, client.ClientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if !client.HasGrantType(GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the refresh_token grant")
	}

	granted := util.ParseScope(rt.Scope)
	scopes := granted
	if requested := util.ParseScope(g.Scope); len(requested) > 0 {
		if widened := missingScopes(requested, granted); len(widened) > 0 {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventScopeEscalationAttempt,
					UserID:    rt.UserID,
					ClientID:  client.ClientID,
					IPAddress: clientIPFrom(ctx),
					Details:   map[string]any{"requested": util.FormatScope(widened)},
				})
			}
			return nil, ErrInvalidScope("requested scope exceeds the originally granted scope")
		}
		scopes = requested
	}

	user, err := s.loadGrantUser(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}

	iss := &issuance{
		grantType: GrantTypeRefreshToken,
		client:    client,
		user:      user,
		scopes:    scopes,
		authTime:  rt.AuthTime,
	}
	at, err := s.mintAccessToken(iss)
	if err != nil {
		return nil, s.internalError(ctx, "Failed to sign access token", err)
	}

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   "Bearer",
		ExpiresIn:   at.ExpiresIn,
		Scope:       util.FormatScope(scopes),
	}

	if s.Config.AllowRefreshTokenRotation {
		// The replacement keeps the original grant; only the access token narrows
		next := s.newRefreshToken(&issuance{client: client, user: user, scopes: granted, authTime: rt.AuthTime}, at)
		if err := s.stores.RefreshTokens.RotateRefreshToken(ctx, rt.Token, next); err != nil {
			switch {
			case errors.Is(err, storage.ErrRefreshTokenRevoked),
				errors.Is(err, storage.ErrRefreshTokenNotFound),
				errors.Is(err, storage.ErrRefreshTokenExpired):
				// A concurrent request rotated the token first
				return nil, ErrInvalidGrant("invalid refresh token")
			default:
				return nil, s.internalError(ctx, "Failed to rotate refresh token", err)
			}
		}
		resp.RefreshToken = next.Token
		s.logger(ctx).Debug("Rotated refresh token",
			"client_id", client.ClientID,
			"old_prefix", util.SafeTruncate(rt.Token, tokenIDLogLength))
	}

	if iss.wantsIDToken() {
		if resp.IDToken, err = s.mintIDToken(iss, at.Token); err != nil {
			return nil, s.internalError(ctx, "Failed to sign ID token", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(user.ID, client.ClientID, clientIPFrom(ctx))
	}
	return resp, nil
}

// handleRefreshReuse revokes the lineage of a refresh token that was presented
// after it had been rotated.
func (s *Server) handleRefreshReuse(ctx context.Context, rt *storage.RefreshToken) {
	s.metrics().RecordRefreshReuseDetected(ctx)

	revoked, err := s.revokeLineage(ctx, rt.UserID, rt.ClientID)
	if err != nil {
		s.logger(ctx).Error("Failed to revoke tokens after refresh token reuse", "error", err)
	}

	if s.allowSecurityEventLog("refresh_reuse:" + rt.UserID + ":" + rt.ClientID) {
		s.logger(ctx).Error("Refresh token reuse detected - revoking all tokens",
			"client_id", rt.ClientID,
			"token_prefix", util.SafeTruncate(rt.Token, tokenIDLogLength),
			"revoked_refresh_tokens", revoked)
		if s.Auditor != nil {
			s.Auditor.LogReplayDetected(security.EventRefreshTokenReuseDetected,
				rt.UserID, rt.ClientID, clientIPFrom(ctx), revoked)
		}
	}
}
