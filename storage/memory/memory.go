package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	// This provides enough uniqueness for debugging while keeping logs secure
	tokenIDLogLength = 8

	// usedCodeRetention keeps consumed codes around after expiry so a late replay
	// is still recognised as a replay rather than an unknown code.
	usedCodeRetention = 10 * time.Minute
)

type pairKey struct {
	userID   string
	clientID string
}

type nonceKey struct {
	clientID string
	nonce    string
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	users         map[string]*storage.User
	usernames     map[string]string // username -> user ID
	codes         map[string]*storage.AuthorizationCode
	refreshTokens map[string]*storage.RefreshToken
	blacklist     map[string]time.Time // jti -> expiry
	deviceCodes   map[string]*storage.DeviceCode
	userCodes     map[string]string // user code -> device code
	consents      map[pairKey]*storage.Consent
	sessions      map[string]*storage.Session
	nonces        map[nonceKey]time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	clientsCountAtomic       atomic.Int64
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	deviceCodesCountAtomic   atomic.Int64
	sessionsCountAtomic      atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.TokenBlacklist    = (*Store)(nil)
	_ storage.DeviceCodeStore   = (*Store)(nil)
	_ storage.ConsentStore      = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
	_ storage.NonceStore        = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		users:           make(map[string]*storage.User),
		usernames:       make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		blacklist:       make(map[string]time.Time),
		deviceCodes:     make(map[string]*storage.DeviceCode),
		userCodes:       make(map[string]string),
		consents:        make(map[pairKey]*storage.Consent),
		sessions:        make(map[string]*storage.Session),
		nonces:          make(map[nonceKey]time.Time),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.deviceCodesCountAtomic.Store(int64(len(s.deviceCodes)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizeCallbacks{
			Clients:       s.clientsCountAtomic.Load,
			Codes:         s.codesCountAtomic.Load,
			RefreshTokens: s.refreshTokensCountAtomic.Load,
			DeviceCodes:   s.deviceCodesCountAtomic.Load,
			Sessions:      s.sessionsCountAtomic.Load,
		})
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(client), nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, cloneClient(client))
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser creates or replaces a user
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.usernames[user.Username]; ok && existingID != user.ID {
		return fmt.Errorf("username %q already taken", user.Username)
	}
	if old, ok := s.users[user.ID]; ok && old.Username != user.Username {
		delete(s.usernames, old.Username)
	}

	u := *user
	s.users[user.ID] = &u
	s.usernames[user.Username] = user.ID
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

// GetUserByUsername retrieves a user by login name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores or overwrites an authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// GetAuthorizationCode reads an authorization code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	c := *authCode
	return &c, nil
}

// ConsumeAuthorizationCode atomically marks a code as used.
// Only the first caller observes success; later callers get ErrAuthorizationCodeUsed
// together with the code so the caller can revoke what it produced.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (result *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if authCode.Used {
		s.logger.Warn("Authorization code reuse attempt",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", authCode.ClientID)
		c := *authCode
		return &c, storage.ErrAuthorizationCodeUsed
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	authCode.Used = true
	authCode.AccessTokenJTI = accessTokenJTI
	authCode.AccessTokenExpiresAt = accessTokenExpiresAt
	c := *authCode
	return &c, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// SaveRefreshToken stores a new refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.refreshTokens[token.Token] = &t
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	return nil
}

// GetRefreshToken returns a refresh token, revoked or not
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	t := *rt
	return &t, nil
}

// RotateRefreshToken atomically revokes oldToken and stores next in its place.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime)
	}()

	if next == nil || next.Token == "" {
		return fmt.Errorf("invalid replacement refresh token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.refreshTokens[oldToken]
	switch {
	case !ok:
		return storage.ErrRefreshTokenNotFound
	case old.Revoked:
		return storage.ErrRefreshTokenRevoked
	case !old.ExpiresAt.IsZero() && time.Now().After(old.ExpiresAt):
		return storage.ErrRefreshTokenExpired
	}

	old.Revoked = true
	old.RevokedAt = time.Now()
	old.ReplacedBy = next.Token

	t := *next
	s.refreshTokens[next.Token] = &t
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldToken, tokenIDLogLength),
		"new_prefix", util.SafeTruncate(next.Token, tokenIDLogLength))
	return nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	if !rt.Revoked {
		rt.Revoked = true
		rt.RevokedAt = time.Now()
	}
	return nil
}

// RevokeRefreshTokensForUserClient revokes every live token of the (user, client) pair
func (s *Store) RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) (revoked []*storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_tokens_for_user_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_tokens_for_user_client", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rt := range s.refreshTokens {
		if rt.UserID != userID || rt.ClientID != clientID || rt.Revoked {
			continue
		}
		rt.Revoked = true
		rt.RevokedAt = now
		t := *rt
		revoked = append(revoked, &t)
	}

	s.logger.Info("Revoked refresh tokens for user and client",
		"client_id", clientID,
		"count", len(revoked))
	return revoked, nil
}

// ============================================================
// TokenBlacklist Implementation
// ============================================================

// BlacklistToken records a JTI until expiresAt
func (s *Store) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return fmt.Errorf("jti is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blacklist[jti]; ok && existing.After(expiresAt) {
		return nil
	}
	s.blacklist[jti] = expiresAt
	return nil
}

// IsTokenBlacklisted reports whether a JTI is blacklisted
func (s *Store) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiresAt, ok := s.blacklist[jti]
	if !ok {
		return false, nil
	}
	return time.Now().Before(expiresAt), nil
}

// ============================================================
// DeviceCodeStore Implementation
// ============================================================

// SaveDeviceCode stores a new device authorization
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil || code.DeviceCode == "" || code.UserCode == "" {
		return fmt.Errorf("invalid device code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.userCodes[code.UserCode]; ok {
		if entry, live := s.deviceCodes[existing]; live && time.Now().Before(entry.ExpiresAt) {
			return storage.ErrUserCodeExists
		}
	}

	d := *code
	s.deviceCodes[code.DeviceCode] = &d
	s.userCodes[code.UserCode] = code.DeviceCode
	s.deviceCodesCountAtomic.Store(int64(len(s.deviceCodes)))
	return nil
}

// GetDeviceCodeByUserCode looks up a device authorization by user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.deviceCodeByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}
	d := *entry
	return &d, nil
}

// DecideDeviceCode records the user's approval or denial
func (s *Store) DecideDeviceCode(ctx context.Context, userCode, userID string, approved bool, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.deviceCodeByUserCodeLocked(userCode)
	if err != nil {
		return err
	}
	if decidedAt.After(entry.ExpiresAt) {
		return storage.ErrDeviceCodeExpired
	}
	if entry.Decided() {
		return storage.ErrDeviceCodeDecided
	}

	if approved {
		entry.Authorized = true
		entry.UserID = userID
		entry.AuthTime = decidedAt
	} else {
		entry.Denied = true
	}
	return nil
}

// deviceCodeByUserCodeLocked must be called with s.mu held
func (s *Store) deviceCodeByUserCodeLocked(userCode string) (*storage.DeviceCode, error) {
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}
	entry, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceCodeNotFound
	}
	return entry, nil
}

// PollDeviceCode atomically applies a token endpoint poll
func (s *Store) PollDeviceCode(ctx context.Context, deviceCode, clientID string, now time.Time) (result *storage.DeviceCode, status storage.DevicePollStatus, err error) {
	ctx, span := s.startStorageSpan(ctx, "poll_device_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "poll_device_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, 0, storage.ErrDeviceCodeNotFound
	}
	if now.After(entry.ExpiresAt) {
		return nil, 0, storage.ErrDeviceCodeExpired
	}
	if entry.ClientID != clientID {
		return nil, 0, storage.ErrDeviceCodeClientMismatch
	}

	status = entry.ApplyPoll(now)
	d := *entry

	if status == storage.DevicePollDenied || status == storage.DevicePollAuthorized {
		delete(s.deviceCodes, deviceCode)
		delete(s.userCodes, entry.UserCode)
		s.deviceCodesCountAtomic.Store(int64(len(s.deviceCodes)))
	}
	return &d, status, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns the consent of a user for a client
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (*storage.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[pairKey{userID, clientID}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	return cloneConsent(consent), nil
}

// MergeConsent unions scopes into the existing consent
func (s *Store) MergeConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) (*storage.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{userID, clientID}
	consent, ok := s.consents[key]
	if !ok {
		consent = &storage.Consent{UserID: userID, ClientID: clientID, GrantedAt: grantedAt}
		s.consents[key] = consent
	}
	for _, scope := range scopes {
		if !slices.Contains(consent.Scopes, scope) {
			consent.Scopes = append(consent.Scopes, scope)
		}
	}
	consent.UpdatedAt = grantedAt
	return cloneConsent(consent), nil
}

// RevokeConsent removes the consent of a user for a client
func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, pairKey{userID, clientID})
	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession creates or replaces a session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := *session
	s.sessions[session.ID] = &sess
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return nil
}

// GetSession returns a live session
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	sess := *session
	return &sess, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return nil
}

// ============================================================
// NonceStore Implementation
// ============================================================

// CheckAndStoreNonce records a nonce or reports a replay
func (s *Store) CheckAndStoreNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey{clientID, nonce}
	if seenUntil, ok := s.nonces[key]; ok && time.Now().Before(seenUntil) {
		return storage.ErrNonceReplayed
	}
	s.nonces[key] = expiresAt
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps every expired entry
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for code, authCode := range s.codes {
		retainUntil := authCode.ExpiresAt
		if authCode.Used {
			retainUntil = retainUntil.Add(usedCodeRetention)
		}
		if now.After(retainUntil) {
			delete(s.codes, code)
			cleaned++
		}
	}

	for token, rt := range s.refreshTokens {
		if !rt.ExpiresAt.IsZero() && now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
			cleaned++
		}
	}

	for jti, expiresAt := range s.blacklist {
		if now.After(expiresAt) {
			delete(s.blacklist, jti)
			cleaned++
		}
	}

	for deviceCode, entry := range s.deviceCodes {
		if now.After(entry.ExpiresAt) {
			delete(s.deviceCodes, deviceCode)
			delete(s.userCodes, entry.UserCode)
			cleaned++
		}
	}

	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
			cleaned++
		}
	}

	for key, expiresAt := range s.nonces {
		if now.After(expiresAt) {
			delete(s.nonces, key)
			cleaned++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.deviceCodesCountAtomic.Store(int64(len(s.deviceCodes)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Helpers
// ============================================================

func cloneClient(c *storage.Client) *storage.Client {
	clone := *c
	clone.GrantTypes = slices.Clone(c.GrantTypes)
	clone.ResponseTypes = slices.Clone(c.ResponseTypes)
	clone.RedirectURIs = slices.Clone(c.RedirectURIs)
	clone.Scopes = slices.Clone(c.Scopes)
	clone.DefaultScopes = slices.Clone(c.DefaultScopes)
	clone.Secrets = slices.Clone(c.Secrets)
	return &clone
}

func cloneConsent(c *storage.Consent) *storage.Consent {
	clone := *c
	clone.Scopes = slices.Clone(c.Scopes)
	return &clone
}

// startStorageSpan starts a span for a storage operation (no-op without instrumentation)
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, "memory", operation, result, durationMs)
}
