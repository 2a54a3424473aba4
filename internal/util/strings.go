package util

import (
	"net/url"
	"slices"
	"strings"
)

// SafeTruncate returns at most the first maxLen bytes of s, for logging a
// recognisable prefix of a secret value.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope string (RFC 6749 section 3.3) into
// its scope tokens, dropping empty entries and duplicates while keeping order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScope joins scope tokens into a space-delimited scope string.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsLocalPath reports whether target is a path on this server, such as
// "/oauth2/authorize?client_id=x". Absolute URLs, scheme-relative URLs ("//host")
// and backslash tricks are rejected so a return_to parameter cannot become an
// open redirect.
func IsLocalPath(target string) bool {
	if target == "" || !strings.HasPrefix(target, "/") {
		return false
	}
	if strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}
