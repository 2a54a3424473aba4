package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authz/storage"
)

// TestClientSecret is the plaintext secret of clients built by NewTestClient.
const TestClientSecret = "test-client-secret-0123456789"

// TestRedirectURI is the redirect URI registered for test clients.
const TestRedirectURI = "https://app.example.com/callback"

// hashCache avoids re-running bcrypt for every fixture.
var hashCache sync.Map

// HashSecret returns a bcrypt hash of secret at minimum cost.
func HashSecret(secret string) string {
	if h, ok := hashCache.Load(secret); ok {
		return h.(string)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash secret: %v", err))
	}
	hashCache.Store(secret, string(h))
	return string(h)
}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestClient creates a confidential client holding TestClientSecret and
// registered for every grant type.
func NewTestClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:                clientID,
		ClientName:              "Test Client",
		ClientType:              storage.ClientTypeConfidential,
		TokenEndpointAuthMethod: storage.AuthMethodSecretBasic,
		GrantTypes: []string{
			"authorization_code",
			"refresh_token",
			"client_credentials",
			"urn:ietf:params:oauth:grant-type:device_code",
		},
		ResponseTypes: []string{"code"},
		RedirectURIs:  []string{TestRedirectURI},
		Scopes:        []string{"openid", "profile", "email", "offline_access", "api:read", "api:write"},
		DefaultScopes: []string{"api:read"},
		Secrets: []storage.ClientSecret{{
			ID:        "secret-1",
			Hash:      HashSecret(TestClientSecret),
			CreatedAt: time.Now().Add(-time.Hour).Truncate(time.Second),
		}},
		Active:    true,
		CreatedAt: time.Now().Add(-time.Hour).Truncate(time.Second),
	}
}

// NewPublicTestClient creates a public client that must use PKCE.
func NewPublicTestClient(clientID string) *storage.Client {
	c := NewTestClient(clientID)
	c.ClientType = storage.ClientTypePublic
	c.TokenEndpointAuthMethod = storage.AuthMethodNone
	c.Secrets = nil
	c.RequirePKCE = true
	c.GrantTypes = []string{"authorization_code", "refresh_token", "urn:ietf:params:oauth:grant-type:device_code"}
	return c
}

// NewTestUser creates an active user with a bcrypt-hashed password.
func NewTestUser(username, password string) *storage.User {
	return &storage.User{
		ID:            "user-" + GenerateRandomString(12),
		Username:      username,
		PasswordHash:  HashSecret(password),
		Email:         username + "@example.com",
		EmailVerified: true,
		Name:          strings.ToUpper(username[:1]) + username[1:],
		Active:        true,
		CreatedAt:     time.Now().Truncate(time.Second),
	}
}

// NewTestAuthorizationCode creates an unused code valid for ten minutes.
func NewTestAuthorizationCode(clientID, userID string) *storage.AuthorizationCode {
	now := time.Now().Truncate(time.Second)
	return &storage.AuthorizationCode{
		Code:        GenerateRandomString(43),
		ClientID:    clientID,
		UserID:      userID,
		RedirectURI: TestRedirectURI,
		Scope:       "openid profile",
		AuthTime:    now,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

// NewTestRefreshToken creates a live refresh token valid for a day.
func NewTestRefreshToken(userID, clientID string) *storage.RefreshToken {
	now := time.Now().Truncate(time.Second)
	return &storage.RefreshToken{
		Token:     GenerateRandomString(43),
		ClientID:  clientID,
		UserID:    userID,
		Scope:     "openid offline_access",
		AuthTime:  now,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

// NewTestDeviceCode creates a pending device authorization with a 5 second
// interval, valid for ten minutes.
func NewTestDeviceCode(clientID string) *storage.DeviceCode {
	now := time.Now().Truncate(time.Second)
	return &storage.DeviceCode{
		DeviceCode: GenerateRandomString(43),
		UserCode:   strings.ToUpper(GenerateRandomString(4)) + "-" + strings.ToUpper(GenerateRandomString(4)),
		ClientID:   clientID,
		Scope:      "openid",
		Interval:   5 * time.Second,
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithBasicAuth sets HTTP Basic credentials
func (r *HTTPRequest) WithBasicAuth(user, pass string) *HTTPRequest {
	cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	r.Headers["Authorization"] = "Basic " + cred
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
