package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oidc-authz/security"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1 hour

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 30 days

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL time.Duration // default: 1 hour

	// DeviceCodeTTL is how long a device authorization stays pending
	DeviceCodeTTL time.Duration // default: 10 minutes

	// DeviceCodeInterval is the minimum polling interval handed to devices
	DeviceCodeInterval time.Duration // default: 5 seconds

	// DeviceVerificationURI is shown to users of the device flow.
	// Default: Issuer + "/oauth2/device"
	DeviceVerificationURI string

	// SessionTTL is the absolute lifetime of a login session
	SessionTTL time.Duration // default: 8 hours

	// SessionIdleTimeout ends sessions without activity for this long
	SessionIdleTimeout time.Duration // default: 30 minutes

	// AllowRefreshTokenRotation enables refresh token rotation (OAuth 2.1)
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool

	// RequirePKCE enforces PKCE for all authorization requests.
	// Public clients and clients registered with RequirePKCE always need it.
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// AllowInsecureHTTP allows a plain HTTP issuer outside localhost.
	// Default: false
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the leeway for expiry checks
	ClockSkewGracePeriod time.Duration // default: 5 seconds

	// SupportedScopes lists the scopes clients may be registered for.
	// If empty, any scope may be registered.
	SupportedScopes []string

	// MaxScopeLength bounds the scope parameter
	MaxScopeLength int // default: 1000

	// AllowPublicClientRegistration allows unauthenticated client registration
	// Default: false (authentication REQUIRED for security)
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is the bearer token required for client registration
	RegistrationAccessToken string

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native app redirect URIs. Empty allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// Clock defaults to the wall clock
	Clock security.Clock
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if config.IDTokenTTL <= 0 {
		config.IDTokenTTL = time.Hour
	}
	if config.DeviceCodeTTL <= 0 {
		config.DeviceCodeTTL = 10 * time.Minute
	}
	if config.DeviceCodeInterval <= 0 {
		config.DeviceCodeInterval = 5 * time.Second
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 8 * time.Hour
	}
	if config.SessionIdleTimeout <= 0 {
		config.SessionIdleTimeout = 30 * time.Minute
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
	if config.MaxScopeLength == 0 {
		config.MaxScopeLength = 1000
	}
	if config.DeviceVerificationURI == "" && config.Issuer != "" {
		config.DeviceVerificationURI = config.Issuer + "/oauth2/device"
	}
	if config.Clock == nil {
		config.Clock = security.SystemClock
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration
// Uses a heuristic to detect if config is new (all security bools false) vs explicitly configured
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true for OAuth 2.1 compliance")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Public client registration is ENABLED",
			"risk", "DoS attacks via unlimited client registration",
			"recommendation", "Set AllowPublicClientRegistration=false and use RegistrationAccessToken")
	}
}

// validateHTTPSEnforcement rejects a plain HTTP issuer unless it points at
// the local machine or AllowInsecureHTTP is set.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Fragment != "" || issuerURL.RawQuery != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}

	switch issuerURL.Scheme {
	case SchemeHTTPS:
		return nil
	case SchemeHTTP:
		if isLoopbackAddress(issuerURL.Hostname()) {
			logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer)
			return nil
		}
		if config.AllowInsecureHTTP {
			logger.Warn("SECURITY WARNING: Running OAuth over plain HTTP",
				"issuer", config.Issuer,
				"risk", "Tokens and credentials exposed to network interception")
			return nil
		}
		return fmt.Errorf("issuer must use HTTPS (got %s); set AllowInsecureHTTP to override", config.Issuer)
	default:
		return fmt.Errorf("issuer must be an http(s) URL, got scheme %q", issuerURL.Scheme)
	}
}
