package oauth

import (
	"github.com/giantswarm/oidc-authz/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeAuthorizationPending    = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown                = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken            = server.ErrorCodeExpiredToken
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeConsentRequired         = server.ErrorCodeConsentRequired
	ErrorCodeInteractionRequired     = server.ErrorCodeInteractionRequired
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata

	// ErrorCodeRateLimitExceeded is returned with 429 by rate limited endpoints
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = server.Error

// NewOAuthError creates an OAuth error with an explicit HTTP status
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = server.ErrInvalidRequest

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = server.ErrInvalidGrant

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = server.ErrInvalidClient

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = server.ErrInvalidScope

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = server.ErrInvalidToken

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = server.ErrUnauthorizedClient

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = server.ErrUnsupportedGrantType

	// ErrServerError indicates an internal server error occurred
	ErrServerError = server.ErrServerError

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = server.ErrAccessDenied

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = server.ErrInvalidRedirectURI
)
