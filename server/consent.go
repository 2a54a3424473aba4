package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// ConsentManager records which scopes a user approved for a client.
// There is one consent per (user, client); granting again merges scopes.
type ConsentManager struct {
	store storage.ConsentStore
	clock security.Clock
}

// NewConsentManager creates a consent manager
func NewConsentManager(store storage.ConsentStore, clock security.Clock) *ConsentManager {
	if clock == nil {
		clock = security.SystemClock
	}
	return &ConsentManager{store: store, clock: clock}
}

// HasConsent reports whether the user approved every scope in scopes for the client
func (m *ConsentManager) HasConsent(ctx context.Context, userID, clientID string, scopes []string) (bool, error) {
	consent, err := m.store.GetConsent(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrConsentNotFound) {
			return false, nil
		}
		return false, err
	}
	return consent.Covers(scopes), nil
}

// Grant merges scopes into the user's consent for the client
func (m *ConsentManager) Grant(ctx context.Context, userID, clientID string, scopes []string) (*storage.Consent, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("user ID and client ID are required")
	}
	return m.store.MergeConsent(ctx, userID, clientID, scopes, m.clock())
}

// Revoke removes the user's consent for the client
func (m *ConsentManager) Revoke(ctx context.Context, userID, clientID string) error {
	return m.store.RevokeConsent(ctx, userID, clientID)
}
