package storage

import (
	"context"
	"slices"
	"time"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Token endpoint authentication methods (RFC 7591 names)
const (
	AuthMethodNone        = "none"
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
)

// MaxClientSecrets is the number of secrets a client may hold at once during rotation.
const MaxClientSecrets = 5

// ClientStore defines the interface for managing registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client registration
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	// Returns ErrClientNotFound if the client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error
}

// UserStore resolves resource owners.
type UserStore interface {
	// SaveUser creates or replaces a user
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID. Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByUsername retrieves a user by login name. Returns ErrUserNotFound if absent.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// CodeStore persists authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores (or overwrites) an authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode reads a code without changing it.
	// Returns ErrAuthorizationCodeNotFound if absent.
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically marks an unused, unexpired code as used,
	// records the access token minted for it, and returns it. Exactly one
	// caller can succeed for a given code. Because the token is recorded in
	// the same step, a replay always finds the token it has to revoke.
	//
	// Returns:
	//   - ErrAuthorizationCodeNotFound if the code does not exist
	//   - ErrAuthorizationCodeExpired if the code has expired
	//   - ErrAuthorizationCodeUsed, together with the stored code, if it was already used
	ConsumeAuthorizationCode(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes a code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// ConsentStore persists user consent decisions. There is at most one consent
// record per (user, client) pair.
type ConsentStore interface {
	// GetConsent returns ErrConsentNotFound when the user never consented.
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)

	// MergeConsent atomically unions scopes into the (user, client) consent,
	// creating it if needed, and returns the resulting record.
	MergeConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) (*Consent, error)

	// RevokeConsent deletes the consent record. Missing records are not an error.
	RevokeConsent(ctx context.Context, userID, clientID string) error
}

// SessionStore persists authenticated user sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error

	// GetSession returns ErrSessionNotFound for unknown or expired sessions.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	DeleteSession(ctx context.Context, sessionID string) error
}

// NonceStore tracks OIDC nonces already presented by a client.
type NonceStore interface {
	// CheckAndStoreNonce records the nonce for the client until expiresAt.
	// Returns ErrNonceReplayed if the nonce is already recorded.
	CheckAndStoreNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error
}

// ClientSecret is one hashed secret of a confidential client. Several may be
// active at once so secrets can be rotated without downtime.
type ClientSecret struct {
	ID          string
	Hash        string // bcrypt
	Description string
	CreatedAt   time.Time
	ExpiresAt   time.Time // zero means no expiry
}

// Active reports whether the secret may be used at the given time.
func (s ClientSecret) Active(now time.Time) bool {
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientName              string
	ClientType              string // "public" or "confidential"
	TokenEndpointAuthMethod string // "none", "client_secret_basic", "client_secret_post"
	GrantTypes              []string
	ResponseTypes           []string

	// RedirectURIs is ordered; DefaultRedirectURI (if set) must be one of them.
	RedirectURIs       []string
	DefaultRedirectURI string

	// Scopes are the scopes the client may request. DefaultScopes are used
	// when a request omits the scope parameter.
	Scopes        []string
	DefaultScopes []string

	Secrets     []ClientSecret
	RequirePKCE bool

	// Lifetimes override the server defaults when non-zero.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration

	Active    bool
	CreatedAt time.Time
}

// IsPublic reports whether the client cannot hold a secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// HasGrantType reports whether the client is registered for the grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasResponseType reports whether the client is registered for the response type.
func (c *Client) HasResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// HasRedirectURI reports whether uri is registered, using exact string comparison.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ActiveSecrets returns the secrets usable at the given time.
func (c *Client) ActiveSecrets(now time.Time) []ClientSecret {
	var active []ClientSecret
	for _, s := range c.Secrets {
		if s.Active(now) {
			active = append(active, s)
		}
	}
	return active
}

// Validate checks the registration invariants:
// a public client authenticates with "none" and a confidential client holds at
// least one active secret and does not use "none".
func (c *Client) Validate(now time.Time) error {
	if c.ClientID == "" {
		return ErrInvalidClientRegistration("client_id is required")
	}
	switch c.ClientType {
	case ClientTypePublic:
		if c.TokenEndpointAuthMethod != AuthMethodNone {
			return ErrInvalidClientRegistration("public clients must use token endpoint auth method none")
		}
	case ClientTypeConfidential:
		if c.TokenEndpointAuthMethod == AuthMethodNone {
			return ErrInvalidClientRegistration("confidential clients cannot use token endpoint auth method none")
		}
		if len(c.ActiveSecrets(now)) == 0 {
			return ErrInvalidClientRegistration("confidential clients require at least one active secret")
		}
	default:
		return ErrInvalidClientRegistration("client_type must be public or confidential")
	}
	if len(c.Secrets) > MaxClientSecrets {
		return ErrInvalidClientRegistration("too many client secrets")
	}
	if c.DefaultRedirectURI != "" && !c.HasRedirectURI(c.DefaultRedirectURI) {
		return ErrInvalidClientRegistration("default redirect URI is not registered")
	}
	for _, scope := range c.DefaultScopes {
		if !slices.Contains(c.Scopes, scope) {
			return ErrInvalidClientRegistration("default scope " + scope + " is not an allowed scope")
		}
	}
	return nil
}

// User is a resource owner.
type User struct {
	ID            string
	Username      string
	PasswordHash  string // bcrypt
	Email         string
	EmailVerified bool
	Name          string
	Active        bool
	CreatedAt     time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool

	// Set after a successful exchange so that a replay of the code can
	// invalidate the access token it produced.
	AccessTokenJTI       string
	AccessTokenExpiresAt time.Time
}

// Consent records the scopes a user approved for a client.
type Consent struct {
	UserID    string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	UpdatedAt time.Time
}

// Covers reports whether every scope in scopes has been granted.
func (c *Consent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Session is an authenticated browser session of a user.
type Session struct {
	ID             string
	UserID         string
	AuthTime       time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
}
