package security

// Event type constants for security audit logging.
// These constants keep event names consistent across the server, handlers and
// storage so they can be queried reliably in log pipelines.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued by any grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventLineageRevoked is logged when every refresh token of a user and client is revoked
	EventLineageRevoked = "lineage_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a used authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// EventNonceReplayDetected is logged when a client reuses an OIDC nonce
	EventNonceReplayDetected = "nonce_replay_detected"

	// EventConsentGranted is logged when a user approves scopes for a client
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies an authorization request
	EventConsentDenied = "consent_denied"

	// EventConsentRevoked is logged when a consent record is removed
	EventConsentRevoked = "consent_revoked"

	// EventDeviceAuthorized is logged when a user approves a device code
	EventDeviceAuthorized = "device_authorized"

	// EventDeviceDenied is logged when a user denies a device code
	EventDeviceDenied = "device_denied"

	// Session events

	// EventLoginSucceeded is logged when a user authenticates with the login form
	EventLoginSucceeded = "login_succeeded"

	// EventLogout is logged when a session is destroyed
	EventLogout = "logout"

	// Client management events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientSecretAdded is logged when a secret is added to a client
	EventClientSecretAdded = "client_secret_added" //nolint:gosec // G101: event name, not a credential

	// EventClientSecretRevoked is logged when a client secret is removed
	EventClientSecretRevoked = "client_secret_revoked" //nolint:gosec // G101: event name, not a credential

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client asks for scopes it may not hold
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventSigningKeyRotated is logged when the token signing key changes
	EventSigningKeyRotated = "signing_key_rotated"
)
