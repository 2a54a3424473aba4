package security

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// apiCSP allows nothing: JSON responses never load resources.
	apiCSP = "default-src 'none'; frame-ancestors 'none'"

	// pageCSP is used by the login, consent and device pages. They use inline
	// styles and post forms back to this server only.
	pageCSP = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'%s; frame-ancestors 'none'; base-uri 'none'"
)

// SetSecurityHeaders sets the headers for sensitive JSON responses (token,
// introspection, userinfo). Responses carrying tokens must not be cached
// (RFC 6749 section 5.1).
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	setCommonHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", apiCSP)
	setNoStore(w)
}

// SetPageSecurityHeaders sets the headers for server-rendered HTML pages.
// Browsers apply form-action to redirects that follow a form post, so a page
// whose form ends in a redirect to a client passes that redirect URI as a
// formTarget.
func SetPageSecurityHeaders(w http.ResponseWriter, serverURL string, formTargets ...string) {
	setCommonHeaders(w, serverURL)

	var extra strings.Builder
	for _, target := range formTargets {
		if source := cspSource(target); source != "" {
			extra.WriteString(" " + source)
		}
	}
	w.Header().Set("Content-Security-Policy", fmt.Sprintf(pageCSP, extra.String()))
	setNoStore(w)
}

// cspSource returns the CSP source expression matching rawURL: its origin
// for http(s) URLs, its scheme for private-use schemes.
func cspSource(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return ""
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		if u.Host == "" {
			return ""
		}
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + ":"
}

// SetMetadataHeaders sets the headers for public, cacheable documents such as
// discovery metadata and the JWKS. They are readable cross-origin so browser
// based clients can fetch them.
func SetMetadataHeaders(w http.ResponseWriter, serverURL string, maxAge time.Duration) {
	setCommonHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", apiCSP)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
}

func setCommonHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the server is reached over TLS.
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
