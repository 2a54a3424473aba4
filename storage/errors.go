package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by storage implementations. Callers match them with
// errors.Is; implementations may wrap them with additional context.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrClientRegistrationInvalid = errors.New("invalid client registration")
	ErrUserNotFound              = errors.New("user not found")

	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeExpired  = errors.New("authorization code expired")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")

	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")

	ErrDeviceCodeNotFound       = errors.New("device code not found")
	ErrDeviceCodeExpired        = errors.New("device code expired")
	ErrDeviceCodeClientMismatch = errors.New("device code issued to a different client")
	ErrDeviceCodeDecided        = errors.New("device code already decided")
	ErrUserCodeExists           = errors.New("user code already in use")

	ErrConsentNotFound = errors.New("consent not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrNonceReplayed   = errors.New("nonce already used")
)

// ErrInvalidClientRegistration wraps ErrClientRegistrationInvalid with a reason.
func ErrInvalidClientRegistration(reason string) error {
	return fmt.Errorf("%w: %s", ErrClientRegistrationInvalid, reason)
}
