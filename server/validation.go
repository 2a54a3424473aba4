package server

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Scopes with protocol meaning
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// isLoopbackAddress reports whether hostname refers to the local machine:
// "localhost" or any loopback IP (127.0.0.0/8, ::1).
func isLoopbackAddress(hostname string) bool {
	hostname = strings.Trim(strings.TrimSpace(hostname), "[]")
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRedirectURIForRegistration checks a redirect URI before it is
// registered. Matching at authorization time is exact string comparison and
// needs no further validation.
func validateRedirectURIForRegistration(redirectURI, issuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect_uri must be an absolute URI")
	}

	// OAuth 2.0 Security BCP section 4.1.3: no fragments
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		return nil
	case SchemeHTTP:
		if parsed.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
		if isLoopbackAddress(parsed.Hostname()) {
			return nil
		}
		if issuerURL, err := url.Parse(issuer); err == nil && issuerURL.Scheme == SchemeHTTPS {
			return fmt.Errorf("redirect_uri must use HTTPS unless it targets a loopback address")
		}
		return nil
	default:
		return validateCustomScheme(scheme, allowedCustomSchemes)
	}
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	if slices.Contains(DangerousSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}
	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, scheme)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}
	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns", scheme)
}

// hasScope reports whether scope is present in scopes
func hasScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope)
}

// missingScopes returns the entries of requested that are absent from allowed
func missingScopes(requested, allowed []string) []string {
	var missing []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// filterScopes keeps the requested scopes that are allowed and not excluded,
// preserving request order.
func filterScopes(requested, allowed []string, exclude ...string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) && !slices.Contains(exclude, s) {
			out = append(out, s)
		}
	}
	return out
}
