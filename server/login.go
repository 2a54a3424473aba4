package server

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// dummyPasswordHash keeps the unknown-user path as slow as a wrong password
const dummyPasswordHash = dummySecretHash

// Login checks a username and password and starts a session.
// Unknown users, disabled users and wrong passwords are indistinguishable to
// the caller.
func (s *Server) Login(ctx context.Context, username, password string) (*storage.Session, error) {
	ctx, span := s.startSpan(ctx, "server.login")
	defer span.End()

	session, err := s.login(ctx, username, password)
	finishSpan(span, err)
	return session, err
}

func (s *Server) login(ctx context.Context, username, password string) (*storage.Session, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidRequest("username and password are required")
	}

	user, err := s.stores.Users.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			return nil, s.internalError(ctx, "Failed to load user", err)
		}
		_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
		s.logAuthFailure(ctx, "", "", "unknown_user")
		return nil, ErrAccessDenied("invalid username or password")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.logAuthFailure(ctx, user.ID, "", "invalid_password")
		return nil, ErrAccessDenied("invalid username or password")
	}
	if !user.Active {
		s.logAuthFailure(ctx, user.ID, "", "inactive_user")
		return nil, ErrAccessDenied("invalid username or password")
	}

	session, err := s.Sessions.Create(ctx, user.ID, s.now())
	if err != nil {
		return nil, s.internalError(ctx, "Failed to create session", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogUserEvent(security.EventLoginSucceeded, user.ID, "", clientIPFrom(ctx), nil)
	}
	return session, nil
}

// Logout ends the session. When the caller also presents an access token it
// is revoked until it expires. Both arguments are optional.
func (s *Server) Logout(ctx context.Context, sessionID, accessToken string) error {
	var userID string
	if session, err := s.Sessions.Get(ctx, sessionID); err == nil {
		userID = session.UserID
	}
	if err := s.Sessions.Destroy(ctx, sessionID); err != nil {
		return s.internalError(ctx, "Failed to destroy session", err)
	}

	if accessToken != "" {
		if claims, err := s.issuer.DecodeAccessToken(accessToken); err == nil {
			if err := s.stores.Blacklist.BlacklistToken(ctx, claims.ID, claims.ExpiresAt); err != nil {
				return s.internalError(ctx, "Failed to blacklist access token", err)
			}
			if userID == "" {
				userID = claims.Subject
			}
		}
	}

	if s.Auditor != nil && userID != "" {
		s.Auditor.LogUserEvent(security.EventLogout, userID, "", clientIPFrom(ctx), nil)
	}
	return nil
}

// UserInfo returns the OIDC claims of the user an access token was issued to.
// The token must carry the openid scope.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	claims, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	scopes := util.ParseScope(claims.Scope)
	if !hasScope(scopes, ScopeOpenID) {
		return nil, ErrInsufficientScope("the openid scope is required")
	}
	if claims.Subject == claims.ClientID {
		return nil, ErrInvalidToken("token was not issued to a user")
	}

	user, err := s.stores.Users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidToken("user no longer exists")
		}
		return nil, s.internalError(ctx, "Failed to load user", err)
	}
	if !user.Active {
		return nil, ErrInvalidToken("user is disabled")
	}

	info := userClaims(user, scopes)
	info["sub"] = user.ID
	return info, nil
}
