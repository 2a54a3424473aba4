package storage

import (
	"context"
	"time"
)

// RefreshTokenStore persists refresh tokens and their rotation chain.
type RefreshTokenStore interface {
	// SaveRefreshToken stores a new refresh token
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the stored token, revoked or not.
	// Returns ErrRefreshTokenNotFound if absent.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken atomically revokes oldToken (setting ReplacedBy to
	// next.Token) and stores next. It fails without side effects if oldToken is
	// missing (ErrRefreshTokenNotFound), already revoked (ErrRefreshTokenRevoked)
	// or expired (ErrRefreshTokenExpired). Exactly one concurrent caller can
	// rotate a given token.
	RotateRefreshToken(ctx context.Context, oldToken string, next *RefreshToken) error

	// RevokeRefreshToken marks a token revoked. Revoking an already revoked
	// token is a no-op. Returns ErrRefreshTokenNotFound if absent.
	RevokeRefreshToken(ctx context.Context, token string) error

	// RevokeRefreshTokensForUserClient revokes every live refresh token issued to
	// the (user, client) pair and returns the tokens it revoked.
	RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) ([]*RefreshToken, error)
}

// TokenBlacklist invalidates access tokens before their natural expiry.
// Entries disappear on their own once the token would have expired anyway.
type TokenBlacklist interface {
	// BlacklistToken records jti until expiresAt.
	BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error

	// IsTokenBlacklisted reports whether jti is currently blacklisted.
	IsTokenBlacklisted(ctx context.Context, jti string) (bool, error)
}

// DevicePollStatus is the outcome of a device code poll.
type DevicePollStatus int

const (
	// DevicePollPending means the user has not decided yet.
	DevicePollPending DevicePollStatus = iota + 1
	// DevicePollSlowDown means the poll came sooner than the interval allows.
	// The stored interval has been increased.
	DevicePollSlowDown
	// DevicePollDenied means the user denied the request. The code is consumed.
	DevicePollDenied
	// DevicePollAuthorized means the user approved. The code is consumed and
	// the caller is the only one that will ever observe this status.
	DevicePollAuthorized
)

// String returns the status name
func (s DevicePollStatus) String() string {
	switch s {
	case DevicePollPending:
		return "pending"
	case DevicePollSlowDown:
		return "slow_down"
	case DevicePollDenied:
		return "denied"
	case DevicePollAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// SlowDownIncrement is added to a device code's interval on every poll that
// arrives too early (RFC 8628 section 3.5).
const SlowDownIncrement = 5 * time.Second

// DeviceCodeStore persists device authorization requests (RFC 8628).
type DeviceCodeStore interface {
	// SaveDeviceCode stores a new device authorization. The user code must be unique
	// among live entries; ErrUserCodeExists is returned otherwise.
	SaveDeviceCode(ctx context.Context, code *DeviceCode) error

	// GetDeviceCodeByUserCode looks up a pending entry by its user code.
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*DeviceCode, error)

	// DecideDeviceCode records the user's decision for a pending, unexpired
	// entry. A decision can only be recorded once (ErrDeviceCodeDecided).
	DecideDeviceCode(ctx context.Context, userCode, userID string, approved bool, decidedAt time.Time) error

	// PollDeviceCode atomically applies one token endpoint poll at time now:
	//   - ErrDeviceCodeNotFound / ErrDeviceCodeExpired for unknown or expired codes
	//   - ErrDeviceCodeClientMismatch if clientID differs, without touching the entry
	//   - DevicePollSlowDown if the previous poll was less than Interval ago
	//   - DevicePollDenied / DevicePollAuthorized, consuming the entry
	//   - DevicePollPending otherwise
	// LastPolledAt is updated for every status except the error cases.
	PollDeviceCode(ctx context.Context, deviceCode, clientID string, now time.Time) (*DeviceCode, DevicePollStatus, error)
}

// RefreshToken is an opaque refresh token and its grant context.
type RefreshToken struct {
	Token      string
	ClientID   string
	UserID     string
	Scope      string
	AuthTime   time.Time
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  time.Time
	ReplacedBy string

	// The access token minted together with this refresh token; it is
	// blacklisted when the refresh token is revoked.
	AccessTokenJTI       string
	AccessTokenExpiresAt time.Time
}

// DeviceCode is a pending device authorization
type DeviceCode struct {
	DeviceCode   string
	UserCode     string
	ClientID     string
	Scope        string
	Interval     time.Duration
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastPolledAt time.Time
	Authorized   bool
	Denied       bool
	UserID       string
	AuthTime     time.Time
}

// Decided reports whether the user already approved or denied the request.
func (d *DeviceCode) Decided() bool {
	return d.Authorized || d.Denied
}

// ApplyPoll computes the result of a poll at time now and mutates d accordingly
// (LastPolledAt, Interval). Backends call it while holding their atomicity
// guarantee; the caller is responsible for consuming the entry on
// DevicePollDenied and DevicePollAuthorized.
func (d *DeviceCode) ApplyPoll(now time.Time) DevicePollStatus {
	tooEarly := !d.LastPolledAt.IsZero() && now.Sub(d.LastPolledAt) < d.Interval
	d.LastPolledAt = now
	if tooEarly {
		d.Interval += SlowDownIncrement
		return DevicePollSlowDown
	}
	switch {
	case d.Denied:
		return DevicePollDenied
	case d.Authorized:
		return DevicePollAuthorized
	default:
		return DevicePollPending
	}
}
