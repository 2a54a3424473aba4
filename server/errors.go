package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 and OpenID Connect error codes. Clients match on these exact strings.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeAuthorizationPending    = "authorization_pending"
	ErrorCodeSlowDown                = "slow_down"
	ErrorCodeExpiredToken            = "expired_token"
	ErrorCodeServerError             = "server_error"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
	ErrorCodeInteractionRequired     = "interaction_required"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// Error is an OAuth error outcome. Grant handlers return it for every expected
// failure; anything else is reported as server_error.
type Error struct {
	Code        string
	Description string
	Status      int
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates an error with the status conventionally used for code.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description, Status: statusForCode(code)}
}

// statusForCode maps an error code to its HTTP status. RFC 8628 polling
// errors are ordinary 400s.
func statusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeInsufficientScope:
		return http.StatusForbidden
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Constructors for the error codes used by the server.
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc)
	}

	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc)
	}

	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc)
	}

	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc)
	}

	ErrAuthorizationPending = func(desc string) *Error {
		return NewError(ErrorCodeAuthorizationPending, desc)
	}

	ErrSlowDown = func(desc string) *Error {
		return NewError(ErrorCodeSlowDown, desc)
	}

	ErrExpiredToken = func(desc string) *Error {
		return NewError(ErrorCodeExpiredToken, desc)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc)
	}

	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc)
	}

	ErrInsufficientScope = func(desc string) *Error {
		return NewError(ErrorCodeInsufficientScope, desc)
	}

	ErrLoginRequired = func(desc string) *Error {
		return NewError(ErrorCodeLoginRequired, desc)
	}

	ErrConsentRequired = func(desc string) *Error {
		return NewError(ErrorCodeConsentRequired, desc)
	}

	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc)
	}

	ErrInvalidClientMetadata = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClientMetadata, desc)
	}
)

// RedirectError is an authorization error that is reported to the client by
// redirecting to its (already validated) redirect URI.
type RedirectError struct {
	Err         *Error
	RedirectURI string
	State       string
	Issuer      string
}

// Error implements the error interface
func (e *RedirectError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the OAuth error
func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Location builds the redirect target carrying error, error_description,
// state and iss (RFC 9207).
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		params.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if e.Issuer != "" {
		params.Set("iss", e.Issuer)
	}
	return appendQuery(e.RedirectURI, params)
}

// AsError extracts the OAuth error from err, or returns nil.
func AsError(err error) *Error {
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return nil
}

// appendQuery adds params to the query of rawURL, keeping existing parameters.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
