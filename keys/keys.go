// Package keys owns the server's RSA signing keys.
//
// A Manager loads keys from a Store (or generates one on first start),
// signs JWTs with the current key, and publishes the current and retired
// public keys as a JWKS document. Key IDs are RFC 7638 thumbprints of the
// public key, so the same key always gets the same kid across restarts and
// instances.
//
// Rotation generates a new current key and retires the previous one. Retired
// keys stay in the JWKS, and keep verifying tokens, until their retention
// period ends. Writers (EnsureKeys, Rotate) are serialized by a mutex; readers
// (Sign, Keyfunc, PublicJWKS) load an immutable snapshot without locking.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/security"
)

const (
	// MinKeyBits is the smallest RSA modulus accepted for signing keys
	MinKeyBits = 2048

	// Algorithm is the JWS algorithm used for every token
	Algorithm = "RS256"

	// DefaultRetiredKeyTTL is how long a retired key keeps verifying tokens.
	// It must be at least the longest token lifetime.
	DefaultRetiredKeyTTL = 24 * time.Hour
)

var (
	// ErrNotInitialized is returned when signing before EnsureKeys succeeded
	ErrNotInitialized = errors.New("signing keys not initialized")

	// ErrUnknownKey is returned by Keyfunc for a kid that is not (or no longer) trusted
	ErrUnknownKey = errors.New("unknown signing key")
)

// Key is one RSA signing key and its lifecycle timestamps
type Key struct {
	ID        string
	Private   *rsa.PrivateKey
	CreatedAt time.Time

	// RetiredAt is zero for the current key
	RetiredAt time.Time

	// ExpiresAt is when a retired key stops verifying tokens
	ExpiresAt time.Time
}

// Store persists signing keys. Implementations must write all keys atomically.
type Store interface {
	// LoadKeys returns the persisted keys, or an empty slice when none exist
	LoadKeys(ctx context.Context) ([]*Key, error)

	// SaveKeys replaces the persisted key set
	SaveKeys(ctx context.Context, keys []*Key) error
}

// Config configures a Manager
type Config struct {
	// Bits is the RSA modulus size for generated keys (default and minimum 2048)
	Bits int

	// RetiredKeyTTL is how long retired keys remain trusted (default 24h)
	RetiredKeyTTL time.Duration

	// Clock defaults to the wall clock
	Clock security.Clock

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// keySet is an immutable snapshot of the trusted keys
type keySet struct {
	current *Key
	trusted map[string]*Key
	jwks    jose.JSONWebKeySet
}

// Manager signs tokens and serves the JWKS
type Manager struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state atomic.Pointer[keySet]
}

// NewManager creates a manager backed by store. Call EnsureKeys before use.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	if cfg.Bits == 0 {
		cfg.Bits = MinKeyBits
	}
	if cfg.Bits < MinKeyBits {
		return nil, fmt.Errorf("RSA keys must be at least %d bits, got %d", MinKeyBits, cfg.Bits)
	}
	if cfg.RetiredKeyTTL <= 0 {
		cfg.RetiredKeyTTL = DefaultRetiredKeyTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = security.SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{store: store, cfg: cfg, logger: cfg.Logger}, nil
}

// EnsureKeys loads the persisted keys or generates and persists a new one.
// It is idempotent. Any failure must stop the server from starting.
func (m *Manager) EnsureKeys(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Load() != nil {
		return nil
	}

	loaded, err := m.store.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	now := m.cfg.Clock()
	var current *Key
	var retired []*Key
	for _, k := range loaded {
		if err := validateKey(k); err != nil {
			return fmt.Errorf("stored key %s: %w", k.ID, err)
		}
		switch {
		case k.RetiredAt.IsZero() && current == nil:
			current = k
		case !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt):
			// expired retired key, dropped on next save
		default:
			retired = append(retired, k)
		}
	}

	if current == nil {
		current, err = m.generate(now)
		if err != nil {
			return err
		}
		if err := m.store.SaveKeys(ctx, append([]*Key{current}, retired...)); err != nil {
			return fmt.Errorf("failed to persist signing key: %w", err)
		}
		m.logger.Info("Generated new signing key", "kid", current.ID, "bits", m.cfg.Bits)
	} else {
		m.logger.Info("Loaded signing keys", "kid", current.ID, "retired", len(retired))
	}

	m.state.Store(buildKeySet(current, retired))
	return nil
}

// Rotate makes a freshly generated key current and retires the previous one.
func (m *Manager) Rotate(ctx context.Context) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.state.Load()
	if old == nil {
		return nil, ErrNotInitialized
	}

	now := m.cfg.Clock()
	next, err := m.generate(now)
	if err != nil {
		return nil, err
	}

	previous := *old.current
	previous.RetiredAt = now
	previous.ExpiresAt = now.Add(m.cfg.RetiredKeyTTL)

	retired := []*Key{&previous}
	for id, k := range old.trusted {
		if id == old.current.ID || now.After(k.ExpiresAt) {
			continue
		}
		retired = append(retired, k)
	}

	if err := m.store.SaveKeys(ctx, append([]*Key{next}, retired...)); err != nil {
		return nil, fmt.Errorf("failed to persist rotated keys: %w", err)
	}

	m.state.Store(buildKeySet(next, retired))
	m.cfg.Instrumentation.Metrics().RecordKeyRotation(ctx)
	m.logger.Info("Rotated signing key", "kid", next.ID, "retired_kid", previous.ID)
	return next, nil
}

// CurrentKeyID returns the kid used for new signatures
func (m *Manager) CurrentKeyID() string {
	s := m.state.Load()
	if s == nil {
		return ""
	}
	return s.current.ID
}

// PublicJWKS returns the public half of every trusted key
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	s := m.state.Load()
	if s == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	return s.jwks
}

// Sign serializes claims as an RS256 JWT signed with the current key. Extra
// header fields (such as "typ") are copied in; "alg" and "kid" are always set
// by the manager.
func (m *Manager) Sign(header map[string]any, claims jwt.Claims) (string, error) {
	s := m.state.Load()
	if s == nil {
		return "", ErrNotInitialized
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	for k, v := range header {
		if k == "alg" || k == "kid" {
			continue
		}
		token.Header[k] = v
	}
	token.Header["kid"] = s.current.ID
	signed, err := token.SignedString(s.current.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key for a parsed token. It is meant to be
// passed to jwt.Parse. Retired keys are accepted until they expire.
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	s := m.state.Load()
	if s == nil {
		return nil, ErrNotInitialized
	}

	kid, _ := token.Header["kid"].(string)
	k, ok := s.trusted[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	if !k.ExpiresAt.IsZero() && m.cfg.Clock().After(k.ExpiresAt) {
		return nil, ErrUnknownKey
	}
	return &k.Private.PublicKey, nil
}

func (m *Manager) generate(now time.Time) (*Key, error) {
	priv, err := rsa.GenerateKey(rand.Reader, m.cfg.Bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	kid, err := DeriveKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{ID: kid, Private: priv, CreatedAt: now}, nil
}

func buildKeySet(current *Key, retired []*Key) *keySet {
	s := &keySet{
		current: current,
		trusted: make(map[string]*Key, len(retired)+1),
		jwks:    jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(retired)+1)},
	}
	for _, k := range append([]*Key{current}, retired...) {
		s.trusted[k.ID] = k
		s.jwks.Keys = append(s.jwks.Keys, jose.JSONWebKey{
			Key:       &k.Private.PublicKey,
			KeyID:     k.ID,
			Algorithm: Algorithm,
			Use:       "sig",
		})
	}
	return s
}

func validateKey(k *Key) error {
	if k == nil || k.Private == nil {
		return fmt.Errorf("missing private key")
	}
	if bits := k.Private.N.BitLen(); bits < MinKeyBits {
		return fmt.Errorf("RSA key has %d bits, need at least %d", bits, MinKeyBits)
	}
	kid, err := DeriveKeyID(&k.Private.PublicKey)
	if err != nil {
		return err
	}
	if kid != k.ID {
		return fmt.Errorf("key ID does not match public key thumbprint")
	}
	return nil
}

// DeriveKeyID returns the RFC 7638 SHA-256 thumbprint of pub, base64url encoded
func DeriveKeyID(pub *rsa.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
