// Package mock provides a storage double for testing failure paths.
//
// Store serves every storage interface from an in-memory store. The methods on
// the grant paths go through function fields that tests replace to inject
// errors, and every call through a function field is counted.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/storage/memory"
)

// Store is a mock implementation of all storage interfaces
type Store struct {
	*memory.Store

	GetClientFunc                func(ctx context.Context, clientID string) (*storage.Client, error)
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc         func(ctx context.Context, token *storage.RefreshToken) error
	RotateRefreshTokenFunc       func(ctx context.Context, oldToken string, next *storage.RefreshToken) error
	BlacklistTokenFunc           func(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenBlacklistedFunc       func(ctx context.Context, jti string) (bool, error)
	PollDeviceCodeFunc           func(ctx context.Context, deviceCode, clientID string, now time.Time) (*storage.DeviceCode, storage.DevicePollStatus, error)
	MergeConsentFunc             func(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) (*storage.Consent, error)

	mu         sync.Mutex
	callCounts map[string]int
}

// NewStore creates a mock store whose function fields delegate to a fresh
// in-memory store. Stop must be called to end its cleanup goroutine.
func NewStore() *Store {
	mem := memory.New()
	return &Store{
		Store:                        mem,
		GetClientFunc:                mem.GetClient,
		SaveAuthorizationCodeFunc:    mem.SaveAuthorizationCode,
		ConsumeAuthorizationCodeFunc: mem.ConsumeAuthorizationCode,
		SaveRefreshTokenFunc:         mem.SaveRefreshToken,
		RotateRefreshTokenFunc:       mem.RotateRefreshToken,
		BlacklistTokenFunc:           mem.BlacklistToken,
		IsTokenBlacklistedFunc:       mem.IsTokenBlacklisted,
		PollDeviceCodeFunc:           mem.PollDeviceCode,
		MergeConsentFunc:             mem.MergeConsent,
		callCounts:                   make(map[string]int),
	}
}

func (m *Store) count(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// CallCount returns how many times method was called
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

// GetClient retrieves a client
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// SaveAuthorizationCode stores an authorization code
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.count("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode marks a code used
func (m *Store) ConsumeAuthorizationCode(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (*storage.AuthorizationCode, error) {
	m.count("ConsumeAuthorizationCode")
	return m.ConsumeAuthorizationCodeFunc(ctx, code, accessTokenJTI, accessTokenExpiresAt)
}

// SaveRefreshToken stores a refresh token
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.count("SaveRefreshToken")
	return m.SaveRefreshTokenFunc(ctx, token)
}

// RotateRefreshToken rotates a refresh token
func (m *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) error {
	m.count("RotateRefreshToken")
	return m.RotateRefreshTokenFunc(ctx, oldToken, next)
}

// BlacklistToken blacklists an access token ID
func (m *Store) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error {
	m.count("BlacklistToken")
	return m.BlacklistTokenFunc(ctx, jti, expiresAt)
}

// IsTokenBlacklisted checks the blacklist
func (m *Store) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	m.count("IsTokenBlacklisted")
	return m.IsTokenBlacklistedFunc(ctx, jti)
}

// PollDeviceCode applies a device code poll
func (m *Store) PollDeviceCode(ctx context.Context, deviceCode, clientID string, now time.Time) (*storage.DeviceCode, storage.DevicePollStatus, error) {
	m.count("PollDeviceCode")
	return m.PollDeviceCodeFunc(ctx, deviceCode, clientID, now)
}

// MergeConsent merges consented scopes
func (m *Store) MergeConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) (*storage.Consent, error) {
	m.count("MergeConsent")
	return m.MergeConsentFunc(ctx, userID, clientID, scopes, grantedAt)
}
