package oauth

import (
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/server"
)

var hiddenRequestPattern = regexp.MustCompile(`name="request" value="([^"]*)"`)

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func authorizePath(scope, challenge string, extra url.Values) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testutil.TestRedirectURI},
		"scope":                 {scope},
		"state":                 {"state-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return AuthorizePath + "?" + q.Encode()
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatalf("response has no %s cookie", SessionCookieName)
	return nil
}

// signIn posts the login form and returns the session cookie
func (e *testEnv) signIn(t *testing.T) *http.Cookie {
	t.Helper()
	w := e.postForm(LoginPath, url.Values{"username": {testUsername}, "password": {testPassword}})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	return sessionCookie(t, w)
}

// consent opens the consent page for path and submits decision
func (e *testEnv) consent(t *testing.T, cookie *http.Cookie, path, decision string) *httptest.ResponseRecorder {
	t.Helper()
	w := e.get(path, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, want consent page (Location = %q)", w.Code, w.Header().Get("Location"))
	}
	m := hiddenRequestPattern.FindStringSubmatch(w.Body.String())
	if m == nil {
		t.Fatalf("consent page has no request field: %s", w.Body.String())
	}
	return e.postForm(ConsentPath, url.Values{
		"request":  {html.UnescapeString(m[1])},
		"decision": {decision},
	}, withCookie(cookie))
}

func redirectParams(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 (body = %s)", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testutil.TestRedirectURI {
		t.Fatalf("redirected to %q, want the client", got)
	}
	return loc.Query()
}

func TestHandler_Authorize_RedirectsToLogin(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	w := env.get(authorizePath("openid", challenge, url.Values{"login_hint": {"alice"}}))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Path != LoginPath {
		t.Fatalf("Location path = %q, want %q", loc.Path, LoginPath)
	}
	if got := loc.Query().Get("login_hint"); got != "alice" {
		t.Errorf("login_hint = %q, want alice", got)
	}

	returnTo := loc.Query().Get("return_to")
	if !strings.HasPrefix(returnTo, AuthorizePath+"?") || !strings.Contains(returnTo, "client_id="+testClientID) {
		t.Errorf("return_to = %q", returnTo)
	}

	// The login form carries the request back
	page := env.get(w.Header().Get("Location"))
	if page.Code != http.StatusOK {
		t.Fatalf("login page status = %d", page.Code)
	}
	body := page.Body.String()
	if !strings.Contains(body, `name="return_to"`) || !strings.Contains(body, `value="alice"`) {
		t.Errorf("login page missing return_to or login hint: %s", body)
	}
	if csp := page.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "form-action 'self'") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
}

func TestHandler_Authorize_Errors(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	t.Run("unknown client is rendered", func(t *testing.T) {
		w := env.get(authorizePath("openid", challenge, url.Values{"client_id": {"nobody"}}))
		if w.Code == http.StatusFound {
			t.Fatalf("must not redirect for an unknown client, Location = %q", w.Header().Get("Location"))
		}
		if !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
			t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
		}
	})

	t.Run("unregistered redirect uri is rendered", func(t *testing.T) {
		w := env.get(authorizePath("openid", challenge, url.Values{"redirect_uri": {"https://evil.example.com/cb"}}))
		if w.Code == http.StatusFound {
			t.Fatalf("must not redirect to an unregistered URI, Location = %q", w.Header().Get("Location"))
		}
	})

	t.Run("repeated parameter is rendered", func(t *testing.T) {
		w := env.get(authorizePath("openid", challenge, nil) + "&state=again")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("prompt none without session redirects", func(t *testing.T) {
		params := redirectParams(t, env.get(authorizePath("openid", challenge, url.Values{"prompt": {"none"}})))
		if params.Get("error") != ErrorCodeLoginRequired {
			t.Errorf("error = %q, want login_required", params.Get("error"))
		}
		if params.Get("state") != "state-123" || params.Get("iss") != testIssuer {
			t.Errorf("redirect params = %v", params)
		}
	})

	t.Run("missing pkce redirects", func(t *testing.T) {
		params := redirectParams(t, env.get(authorizePath("openid", "", url.Values{"code_challenge_method": {""}})))
		if params.Get("error") != ErrorCodeInvalidRequest {
			t.Errorf("error = %q, want invalid_request", params.Get("error"))
		}
	})
}

func TestHandler_Login(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	returnTo := AuthorizePath + "?client_id=" + testClientID

	t.Run("wrong password", func(t *testing.T) {
		w := env.postForm(LoginPath, url.Values{
			"username":  {testUsername},
			"password":  {"wrong"},
			"return_to": {returnTo},
		})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Invalid username or password") {
			t.Error("form should show the login error")
		}
		for _, c := range w.Result().Cookies() {
			if c.Name == SessionCookieName {
				t.Error("failed login must not set a session cookie")
			}
		}
	})

	t.Run("success returns to the request", func(t *testing.T) {
		w := env.postForm(LoginPath, url.Values{
			"username":  {testUsername},
			"password":  {testPassword},
			"return_to": {returnTo},
		})
		if w.Code != http.StatusSeeOther {
			t.Fatalf("status = %d, want 303", w.Code)
		}
		if got := w.Header().Get("Location"); got != returnTo {
			t.Errorf("Location = %q, want %q", got, returnTo)
		}

		c := sessionCookie(t, w)
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
			t.Errorf("cookie attributes = %+v", c)
		}
		if _, err := env.srv.Sessions.Get(t.Context(), c.Value); err != nil {
			t.Errorf("session not stored: %v", err)
		}
	})

	t.Run("foreign return_to is ignored", func(t *testing.T) {
		w := env.postForm(LoginPath, url.Values{
			"username":  {testUsername},
			"password":  {testPassword},
			"return_to": {"https://evil.example.com/"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 sign-in page", w.Code)
		}
	})

	t.Run("cross-origin post is rejected", func(t *testing.T) {
		w := env.postForm(LoginPath, url.Values{"username": {testUsername}, "password": {testPassword}},
			func(r *http.Request) { r.Header.Set("Origin", "https://evil.example.com") })
		if w.Code == http.StatusOK || w.Code == http.StatusSeeOther {
			t.Fatalf("status = %d, want rejection", w.Code)
		}
	})
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	cookie := env.signIn(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	path := authorizePath("openid profile email offline_access", challenge, url.Values{"nonce": {"n-1"}})

	// Consent page: allowed to end in a redirect to the client
	page := env.get(path, withCookie(cookie))
	if page.Code != http.StatusOK {
		t.Fatalf("status = %d, want consent page", page.Code)
	}
	if csp := page.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "form-action 'self' https://app.example.com") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}
	if !strings.Contains(page.Body.String(), "Test Client") {
		t.Error("consent page should name the client")
	}

	w := env.consent(t, cookie, path, "approve")
	if w.Code != http.StatusSeeOther {
		t.Fatalf("consent status = %d, want 303 (body = %s)", w.Code, w.Body.String())
	}
	resume := w.Header().Get("Location")
	if !strings.HasPrefix(resume, AuthorizePath+"?") {
		t.Fatalf("consent Location = %q", resume)
	}

	params := redirectParams(t, env.get(resume, withCookie(cookie)))
	if params.Get("state") != "state-123" || params.Get("iss") != testIssuer || params.Get("code") == "" {
		t.Fatalf("redirect params = %v", params)
	}

	w = env.postForm(TokenPath, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {params.Get("code")},
		"redirect_uri":  {testutil.TestRedirectURI},
		"code_verifier": {verifier},
	}, withBasicAuth(testClientID, testutil.TestClientSecret))
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	var tokens server.TokenResponse
	decodeJSON(t, w, &tokens)
	if tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("token response = %+v", tokens)
	}

	w = env.get(UserInfoPath, withBearer(tokens.AccessToken))
	if w.Code != http.StatusOK {
		t.Fatalf("userinfo status = %d, body = %s", w.Code, w.Body.String())
	}
	var info map[string]any
	decodeJSON(t, w, &info)
	if info["sub"] != env.user.ID || info["email"] != env.user.Email {
		t.Errorf("userinfo = %v", info)
	}

	// Consent is remembered: the next request goes straight back to the client
	challenge2, _ := testutil.GeneratePKCEPair()
	params = redirectParams(t, env.get(authorizePath("openid profile", challenge2, nil), withCookie(cookie)))
	if params.Get("code") == "" {
		t.Errorf("redirect params = %v", params)
	}
}

func TestHandler_Consent_Deny(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	cookie := env.signIn(t)
	challenge, _ := testutil.GeneratePKCEPair()

	params := redirectParams(t, env.consent(t, cookie, authorizePath("openid", challenge, nil), "deny"))
	if params.Get("error") != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", params.Get("error"))
	}
	if params.Get("code") != "" {
		t.Error("denied request must not carry a code")
	}
}

func TestHandler_Consent_Rejected(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	request := strings.TrimPrefix(authorizePath("openid", challenge, nil), AuthorizePath+"?")

	t.Run("cross-origin", func(t *testing.T) {
		cookie := env.signIn(t)
		w := env.postForm(ConsentPath, url.Values{"request": {request}, "decision": {"approve"}},
			withCookie(cookie), func(r *http.Request) { r.Header.Set("Origin", "https://evil.example.com") })
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
		if w.Header().Get("Location") != "" {
			t.Error("rejected consent must not redirect")
		}
	})

	t.Run("no session", func(t *testing.T) {
		params := redirectParams(t, env.postForm(ConsentPath, url.Values{"request": {request}, "decision": {"approve"}}))
		if params.Get("error") != ErrorCodeLoginRequired {
			t.Errorf("error = %q, want login_required", params.Get("error"))
		}
	})
}

func TestHandler_DeviceVerification(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	auth := withBasicAuth(testClientID, testutil.TestClientSecret)

	var device server.DeviceAuthorizationResponse
	decodeJSON(t, env.postForm(DeviceAuthorizationPath, url.Values{"scope": {"openid api:read"}}, auth), &device)
	pagePath := DevicePath + "?" + url.Values{"user_code": {device.UserCode}}.Encode()

	// Signed out users are sent to the login page first
	w := env.get(pagePath)
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 to login", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Path != LoginPath || loc.Query().Get("return_to") != pagePath {
		t.Errorf("Location = %q", w.Header().Get("Location"))
	}

	cookie := env.signIn(t)

	t.Run("code entry form", func(t *testing.T) {
		w := env.get(DevicePath, withCookie(cookie))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `name="user_code"`) {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		w := env.get(DevicePath+"?user_code=BBBB-BBBB", withCookie(cookie))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	w = env.get(pagePath, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, device.UserCode) || !strings.Contains(body, "Test Client") {
		t.Errorf("device page should show the code and client: %s", body)
	}

	w = env.postForm(DeviceVerifyPath, url.Values{"user_code": {device.UserCode}, "decision": {"approve"}}, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.postForm(TokenPath, url.Values{
		"grant_type":  {server.GrantTypeDeviceCode},
		"device_code": {device.DeviceCode},
	}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body = %s", w.Code, w.Body.String())
	}
	var tokens server.TokenResponse
	decodeJSON(t, w, &tokens)
	if tokens.AccessToken == "" || tokens.Scope != "openid api:read" {
		t.Errorf("token response = %+v", tokens)
	}

	// A code can only be decided once
	w = env.postForm(DeviceVerifyPath, url.Values{"user_code": {device.UserCode}, "decision": {"deny"}}, withCookie(cookie))
	if w.Code != http.StatusBadRequest {
		t.Errorf("second decision status = %d, want 400", w.Code)
	}
}

func TestHandler_Logout(t *testing.T) {
	env := newTestEnv(t, testIssuer, nil)
	cookie := env.signIn(t)
	accessToken := env.clientCredentialsToken(t, "api:read")

	if w := env.get(LogoutPath); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<form") {
		t.Fatalf("GET logout status = %d", w.Code)
	}

	w := env.postForm(LogoutPath, url.Values{"token": {accessToken}}, withCookie(cookie))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	cleared := sessionCookie(t, w)
	if cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Errorf("cookie not cleared: %+v", cleared)
	}

	if _, err := env.srv.Sessions.Get(t.Context(), cookie.Value); err == nil {
		t.Error("session should be destroyed")
	}
	if _, err := env.srv.ValidateAccessToken(t.Context(), accessToken); err == nil {
		t.Error("access token should be revoked")
	}

	// The old cookie no longer signs the user in
	challenge, _ := testutil.GeneratePKCEPair()
	w = env.get(authorizePath("openid", challenge, nil), withCookie(cookie))
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, LoginPath) {
		t.Errorf("Location = %q, want login page", loc)
	}
}

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{AuthorizePath + "?client_id=a", AuthorizePath + "?client_id=a"},
		{DevicePath, DevicePath},
		{DevicePath + "?user_code=BCDF-GHJK", DevicePath + "?user_code=BCDF-GHJK"},
		{"", ""},
		{"/", ""},
		{TokenPath, ""},
		{"/oauth2/authorizex", ""},
		{"https://evil.example.com" + DevicePath, ""},
		{"//evil.example.com" + DevicePath, ""},
		{"/\\evil.example.com", ""},
	}

	for _, tt := range tests {
		if got := safeReturnTo(tt.in); got != tt.want {
			t.Errorf("safeReturnTo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
