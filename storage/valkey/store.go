package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// usedCodeRetention keeps consumed codes past their expiry so a late
	// replay is still detected as a replay
	usedCodeRetention = 10 * time.Minute

	// MaxTokenLength is the maximum accepted length of codes and tokens used as keys
	MaxTokenLength = 512

	// MaxIDLength is the maximum accepted length of client and user IDs
	MaxIDLength = 256

	storageType = "valkey"
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// DisableCache turns off client-side caching. Required for servers that do
	// not implement CLIENT TRACKING.
	DisableCache bool

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the short-lived storage
// interfaces. Mutable state (used flags, revocation, poll timestamps) lives in
// hash fields so that Lua scripts can compare-and-swap it without re-encoding
// the JSON record.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.TokenBlacklist    = (*Store)(nil)
	_ storage.DeviceCodeStore   = (*Store)(nil)
	_ storage.SessionStore      = (*Store)(nil)
	_ storage.NonceStore        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress:  []string{cfg.Address},
		SelectDB:     cfg.DB,
		Password:     cfg.Password,
		TLSConfig:    cfg.TLS,
		DisableCache: cfg.DisableCache,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership and
// closes it in Close.
func NewWithClient(client valkeygo.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables tracing and metrics for storage operations.
// Size gauges are not registered because counting keys would require a SCAN.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span
// status. Expected outcomes (not found, used, revoked) count as success.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil && !isExpectedError(err) {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, storageType, operation, result,
		float64(time.Since(startTime).Milliseconds()))
}

func isExpectedError(err error) bool {
	for _, target := range []error{
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeUsed,
		storage.ErrRefreshTokenNotFound, storage.ErrRefreshTokenExpired, storage.ErrRefreshTokenRevoked,
		storage.ErrDeviceCodeNotFound, storage.ErrDeviceCodeExpired, storage.ErrDeviceCodeClientMismatch,
		storage.ErrDeviceCodeDecided, storage.ErrUserCodeExists, storage.ErrNonceReplayed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func validateLength(value string, maxLen int, field string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s exceeds %d bytes", errInputTooLarge, field, maxLen)
	}
	return nil
}

// isNilError reports whether err is the Valkey nil reply (missing key)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ttlUntil returns the time left until t, with a floor of one millisecond so
// that a key written at the edge of its lifetime still expires on its own.
func ttlUntil(t time.Time) time.Duration {
	ttl := time.Until(t)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

func (s *Store) refreshTokenPrefix() string {
	return s.prefix + "refresh:"
}

func (s *Store) refreshTokenKey(token string) string {
	return s.refreshTokenPrefix() + token
}

// userClientKey holds the set of refresh tokens of one (user, client) lineage
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

func (s *Store) blacklistKey(jti string) string {
	return fmt.Sprintf("%sblacklist:%s", s.prefix, jti)
}

func (s *Store) deviceCodePrefix() string {
	return s.prefix + "device:"
}

func (s *Store) deviceCodeKey(deviceCode string) string {
	return s.deviceCodePrefix() + deviceCode
}

func (s *Store) userCodePrefix() string {
	return s.prefix + "usercode:"
}

func (s *Store) userCodeKey(userCode string) string {
	return s.userCodePrefix() + userCode
}

func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, sessionID)
}

func (s *Store) nonceKey(clientID, nonce string) string {
	return fmt.Sprintf("%snonce:%s:%s", s.prefix, clientID, nonce)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type clientSecretJSON struct {
	ID          string `json:"id"`
	Hash        string `json:"hash"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

type clientJSON struct {
	ClientID                string             `json:"client_id"`
	ClientName              string             `json:"client_name,omitempty"`
	ClientType              string             `json:"client_type"`
	TokenEndpointAuthMethod string             `json:"token_endpoint_auth_method"`
	GrantTypes              []string           `json:"grant_types,omitempty"`
	ResponseTypes           []string           `json:"response_types,omitempty"`
	RedirectURIs            []string           `json:"redirect_uris,omitempty"`
	DefaultRedirectURI      string             `json:"default_redirect_uri,omitempty"`
	Scopes                  []string           `json:"scopes,omitempty"`
	DefaultScopes           []string           `json:"default_scopes,omitempty"`
	Secrets                 []clientSecretJSON `json:"secrets,omitempty"`
	RequirePKCE             bool               `json:"require_pkce"`
	AccessTokenTTL          int64              `json:"access_token_ttl_seconds,omitempty"`
	RefreshTokenTTL         int64              `json:"refresh_token_ttl_seconds,omitempty"`
	IDTokenTTL              int64              `json:"id_token_ttl_seconds,omitempty"`
	Active                  bool               `json:"active"`
	CreatedAt               int64              `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	j := &clientJSON{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		ClientType:              c.ClientType,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		RedirectURIs:            c.RedirectURIs,
		DefaultRedirectURI:      c.DefaultRedirectURI,
		Scopes:                  c.Scopes,
		DefaultScopes:           c.DefaultScopes,
		RequirePKCE:             c.RequirePKCE,
		AccessTokenTTL:          int64(c.AccessTokenTTL / time.Second),
		RefreshTokenTTL:         int64(c.RefreshTokenTTL / time.Second),
		IDTokenTTL:              int64(c.IDTokenTTL / time.Second),
		Active:                  c.Active,
		CreatedAt:               unixOf(c.CreatedAt),
	}
	for _, sec := range c.Secrets {
		j.Secrets = append(j.Secrets, clientSecretJSON{
			ID:          sec.ID,
			Hash:        sec.Hash,
			Description: sec.Description,
			CreatedAt:   unixOf(sec.CreatedAt),
			ExpiresAt:   unixOf(sec.ExpiresAt),
		})
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	c := &storage.Client{
		ClientID:                j.ClientID,
		ClientName:              j.ClientName,
		ClientType:              j.ClientType,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		RedirectURIs:            j.RedirectURIs,
		DefaultRedirectURI:      j.DefaultRedirectURI,
		Scopes:                  j.Scopes,
		DefaultScopes:           j.DefaultScopes,
		RequirePKCE:             j.RequirePKCE,
		AccessTokenTTL:          time.Duration(j.AccessTokenTTL) * time.Second,
		RefreshTokenTTL:         time.Duration(j.RefreshTokenTTL) * time.Second,
		IDTokenTTL:              time.Duration(j.IDTokenTTL) * time.Second,
		Active:                  j.Active,
		CreatedAt:               unixOrZero(j.CreatedAt),
	}
	for _, sec := range j.Secrets {
		c.Secrets = append(c.Secrets, storage.ClientSecret{
			ID:          sec.ID,
			Hash:        sec.Hash,
			Description: sec.Description,
			CreatedAt:   unixOrZero(sec.CreatedAt),
			ExpiresAt:   unixOrZero(sec.ExpiresAt),
		})
	}
	return c
}

// authorizationCodeJSON holds the immutable part of a code. The used flag and
// the access token recorded at redemption are separate hash fields.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	AuthTime            int64  `json:"auth_time,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		Nonce:               c.Nonce,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		AuthTime:            unixOf(c.AuthTime),
		CreatedAt:           unixOf(c.CreatedAt),
		ExpiresAt:           unixOf(c.ExpiresAt),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON, used bool) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		Nonce:               j.Nonce,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		AuthTime:            unixOrZero(j.AuthTime),
		CreatedAt:           unixOrZero(j.CreatedAt),
		ExpiresAt:           unixOrZero(j.ExpiresAt),
		Used:                used,
	}
}

// refreshTokenJSON holds the immutable part of a refresh token
type refreshTokenJSON struct {
	Token                string `json:"token"`
	ClientID             string `json:"client_id"`
	UserID               string `json:"user_id"`
	Scope                string `json:"scope"`
	AuthTime             int64  `json:"auth_time,omitempty"`
	IssuedAt             int64  `json:"issued_at"`
	ExpiresAt            int64  `json:"expires_at,omitempty"`
	AccessTokenJTI       string `json:"access_token_jti,omitempty"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at,omitempty"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		Token:                t.Token,
		ClientID:             t.ClientID,
		UserID:               t.UserID,
		Scope:                t.Scope,
		AuthTime:             unixOf(t.AuthTime),
		IssuedAt:             unixOf(t.IssuedAt),
		ExpiresAt:            unixOf(t.ExpiresAt),
		AccessTokenJTI:       t.AccessTokenJTI,
		AccessTokenExpiresAt: unixOf(t.AccessTokenExpiresAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:                j.Token,
		ClientID:             j.ClientID,
		UserID:               j.UserID,
		Scope:                j.Scope,
		AuthTime:             unixOrZero(j.AuthTime),
		IssuedAt:             unixOrZero(j.IssuedAt),
		ExpiresAt:            unixOrZero(j.ExpiresAt),
		AccessTokenJTI:       j.AccessTokenJTI,
		AccessTokenExpiresAt: unixOrZero(j.AccessTokenExpiresAt),
	}
}

// deviceCodeJSON holds the immutable part of a device authorization
type deviceCodeJSON struct {
	DeviceCode string `json:"device_code"`
	UserCode   string `json:"user_code"`
	ClientID   string `json:"client_id"`
	Scope      string `json:"scope"`
	CreatedAt  int64  `json:"created_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

type sessionJSON struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	AuthTime       int64  `json:"auth_time"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
	LastActivityAt int64  `json:"last_activity_at"`
}

// getJSON fetches a string key and decodes it into J
func getJSON[J any](ctx context.Context, s *Store, key string, notFoundErr error) (*J, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &j, nil
}
