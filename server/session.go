package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// SessionManager tracks browser sessions of signed-in users. A session ends
// at its absolute expiry or after IdleTimeout without activity, whichever
// comes first.
type SessionManager struct {
	store       storage.SessionStore
	ttl         time.Duration
	idleTimeout time.Duration
	clock       security.Clock
}

// NewSessionManager creates a session manager. A zero idleTimeout disables
// the idle check.
func NewSessionManager(store storage.SessionStore, ttl, idleTimeout time.Duration, clock security.Clock) *SessionManager {
	if clock == nil {
		clock = security.SystemClock
	}
	return &SessionManager{store: store, ttl: ttl, idleTimeout: idleTimeout, clock: clock}
}

// Create starts a session for a user who authenticated at authTime
func (m *SessionManager) Create(ctx context.Context, userID string, authTime time.Time) (*storage.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	now := m.clock()
	session := &storage.Session{
		ID:             generateRandomToken(),
		UserID:         userID,
		AuthTime:       authTime,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
		LastActivityAt: now,
	}
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns a live session. Sessions past their expiry or idle timeout are
// deleted and reported as storage.ErrSessionNotFound.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, storage.ErrSessionNotFound
	}
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	idle := m.idleTimeout > 0 && now.Sub(session.LastActivityAt) > m.idleTimeout
	if !now.Before(session.ExpiresAt) || idle {
		_ = m.store.DeleteSession(ctx, sessionID)
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// Touch records activity on a live session
func (m *SessionManager) Touch(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.LastActivityAt = m.clock()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Extend pushes the absolute expiry of a live session out by d
func (m *SessionManager) Extend(ctx context.Context, sessionID string, d time.Duration) (*storage.Session, error) {
	if d <= 0 {
		return nil, fmt.Errorf("extension must be positive")
	}
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = session.ExpiresAt.Add(d)
	session.LastActivityAt = m.clock()
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Destroy ends a session. Unknown sessions are not an error.
func (m *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := m.store.DeleteSession(ctx, sessionID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil
	}
	return err
}
