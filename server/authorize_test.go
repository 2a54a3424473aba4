package server

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/storage"
)

func validAuthorizationRequest(clientID string) AuthorizationRequest {
	challenge, _ := testutil.GeneratePKCEPair()
	return AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            clientID,
		RedirectURI:         testutil.TestRedirectURI,
		Scope:               "openid profile",
		State:               "state-123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
}

func TestParseAuthorizationRequest_Query(t *testing.T) {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"c1"},
		"scope":         {"openid"},
		"prompt":        {"login consent"},
		"max_age":       {"60"},
	}
	req := ParseAuthorizationRequest(q)
	if req.ClientID != "c1" || req.Prompt != "login consent" || req.MaxAge != "60" {
		t.Fatalf("ParseAuthorizationRequest() = %+v", req)
	}

	got := req.Query(PromptLogin)
	want := url.Values{
		"response_type": {"code"},
		"client_id":     {"c1"},
		"scope":         {"openid"},
		"prompt":        {"consent"},
		"max_age":       {"60"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Query() mismatch (-want +got):\n%s", diff)
	}

	if got := req.Query(PromptLogin, PromptConsent); got.Has("prompt") {
		t.Errorf("Query() kept prompt %q", got.Get("prompt"))
	}
}

func TestServer_ValidateAuthorizationRequest_RenderedErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*AuthorizationRequest)
	}{
		{"missing client_id", func(r *AuthorizationRequest) { r.ClientID = "" }},
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nobody" }},
		{"unregistered redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }},
		{"redirect_uri prefix match", func(r *AuthorizationRequest) { r.RedirectURI = testutil.TestRedirectURI + "/extra" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizationRequest(testClientID)
			tt.mutate(&req)
			_, err := env.srv.ValidateAuthorizationRequest(ctx, req)
			if err == nil {
				t.Fatal("expected error")
			}
			var redirectErr *RedirectError
			if errors.As(err, &redirectErr) {
				t.Fatalf("error must not redirect to an unverified URI: %v", err)
			}
		})
	}
}

func TestServer_ValidateAuthorizationRequest_RedirectedErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{"token response type", testClientID, func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeUnsupportedResponseType},
		{"scope not allowed", testClientID, func(r *AuthorizationRequest) { r.Scope = "openid admin" }, ErrorCodeInvalidScope},
		{"missing PKCE", testClientID, func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" }, ErrorCodeInvalidRequest},
		{"plain PKCE", testClientID, func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"malformed challenge", testClientID, func(r *AuthorizationRequest) { r.CodeChallenge = "short" }, ErrorCodeInvalidRequest},
		{"public client without PKCE", testPublicClient, func(r *AuthorizationRequest) { r.CodeChallenge, r.CodeChallengeMethod = "", "" }, ErrorCodeInvalidRequest},
		{"unknown prompt", testClientID, func(r *AuthorizationRequest) { r.Prompt = "maybe" }, ErrorCodeInvalidRequest},
		{"prompt none combined", testClientID, func(r *AuthorizationRequest) { r.Prompt = "none login" }, ErrorCodeInvalidRequest},
		{"negative max_age", testClientID, func(r *AuthorizationRequest) { r.MaxAge = "-1" }, ErrorCodeInvalidRequest},
		{"non-numeric max_age", testClientID, func(r *AuthorizationRequest) { r.MaxAge = "soon" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAuthorizationRequest(tt.clientID)
			tt.mutate(&req)
			_, err := env.srv.ValidateAuthorizationRequest(ctx, req)

			var redirectErr *RedirectError
			if !errors.As(err, &redirectErr) {
				t.Fatalf("expected *RedirectError, got %T: %v", err, err)
			}
			if redirectErr.Err.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", redirectErr.Err.Code, tt.wantCode)
			}

			loc, err := url.Parse(redirectErr.Location())
			if err != nil {
				t.Fatalf("Location() is not a URL: %v", err)
			}
			q := loc.Query()
			if q.Get("error") != tt.wantCode || q.Get("state") != "state-123" || q.Get("iss") != testIssuer {
				t.Errorf("Location() = %s", loc)
			}
		})
	}
}

func TestServer_ValidateAuthorizationRequest_DefaultRedirectURI(t *testing.T) {
	env := newTestEnv(t, nil)

	req := validAuthorizationRequest(testClientID)
	req.RedirectURI = ""
	v, err := env.srv.ValidateAuthorizationRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if v.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q", v.RedirectURI)
	}
}

func TestServer_Authorize_Outcomes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	t.Run("no session asks for login", func(t *testing.T) {
		result, err := env.srv.Authorize(ctx, validAuthorizationRequest(testClientID), "")
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeLogin {
			t.Errorf("Outcome = %v, want login", result.Outcome)
		}
	})

	t.Run("prompt none without session", func(t *testing.T) {
		req := validAuthorizationRequest(testClientID)
		req.Prompt = PromptNone
		_, err := env.srv.Authorize(ctx, req, "")
		wantOAuthError(t, err, ErrorCodeLoginRequired)
	})

	session, err := env.srv.Login(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	t.Run("missing consent", func(t *testing.T) {
		result, err := env.srv.Authorize(ctx, validAuthorizationRequest(testClientID), session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeConsent {
			t.Fatalf("Outcome = %v, want consent", result.Outcome)
		}
		if diff := cmp.Diff([]string{"openid", "profile"}, result.MissingScopes); diff != "" {
			t.Errorf("MissingScopes mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("prompt none without consent", func(t *testing.T) {
		req := validAuthorizationRequest(testClientID)
		req.Prompt = PromptNone
		_, err := env.srv.Authorize(ctx, req, session.ID)
		wantOAuthError(t, err, ErrorCodeConsentRequired)
	})

	if _, err := env.srv.DecideConsent(ctx, validAuthorizationRequest(testClientID), session.ID, true); err != nil {
		t.Fatalf("DecideConsent() error = %v", err)
	}

	t.Run("issues code", func(t *testing.T) {
		result, err := env.srv.Authorize(ctx, validAuthorizationRequest(testClientID), session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeRedirect {
			t.Fatalf("Outcome = %v, want redirect", result.Outcome)
		}
		loc, _ := url.Parse(result.RedirectURL)
		q := loc.Query()
		if q.Get("code") == "" || q.Get("state") != "state-123" || q.Get("iss") != testIssuer {
			t.Errorf("RedirectURL = %s", result.RedirectURL)
		}
	})

	t.Run("prompt login forces login", func(t *testing.T) {
		req := validAuthorizationRequest(testClientID)
		req.Prompt = PromptLogin
		result, err := env.srv.Authorize(ctx, req, session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeLogin {
			t.Errorf("Outcome = %v, want login", result.Outcome)
		}
	})

	t.Run("prompt consent forces consent", func(t *testing.T) {
		req := validAuthorizationRequest(testClientID)
		req.Prompt = PromptConsent
		result, err := env.srv.Authorize(ctx, req, session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeConsent {
			t.Errorf("Outcome = %v, want consent", result.Outcome)
		}
	})

	t.Run("max_age zero forces login", func(t *testing.T) {
		time.Sleep(10 * time.Millisecond)
		req := validAuthorizationRequest(testClientID)
		req.MaxAge = "0"
		result, err := env.srv.Authorize(ctx, req, session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeLogin {
			t.Errorf("Outcome = %v, want login", result.Outcome)
		}
	})

	t.Run("generous max_age", func(t *testing.T) {
		req := validAuthorizationRequest(testClientID)
		req.MaxAge = "3600"
		result, err := env.srv.Authorize(ctx, req, session.ID)
		if err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
		if result.Outcome != OutcomeRedirect {
			t.Errorf("Outcome = %v, want redirect", result.Outcome)
		}
	})
}

func TestServer_Authorize_NonceReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	session := env.signIn(t, testClientID, "openid profile")

	req := validAuthorizationRequest(testClientID)
	req.Nonce = "n-0S6_WzA2Mj"

	result, err := env.srv.Authorize(ctx, req, session.ID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.Outcome != OutcomeRedirect {
		t.Fatalf("Outcome = %v, want redirect", result.Outcome)
	}

	_, err = env.srv.Authorize(ctx, req, session.ID)
	var redirectErr *RedirectError
	if !errors.As(err, &redirectErr) || redirectErr.Err.Code != ErrorCodeInvalidRequest {
		t.Fatalf("replayed nonce error = %v, want redirected invalid_request", err)
	}

	// Another client may use the same nonce
	if _, err := env.srv.Consents.Grant(ctx, env.user.ID, testPublicClient, []string{"openid", "profile"}); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	other := validAuthorizationRequest(testPublicClient)
	other.Nonce = req.Nonce
	if _, err := env.srv.Authorize(ctx, other, session.ID); err != nil {
		t.Errorf("Authorize(other client) error = %v", err)
	}
}

func TestServer_Authorize_NonceInIDToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	session := env.signIn(t, testClientID, "openid")

	challenge, verifier := testutil.GeneratePKCEPair()
	req := validAuthorizationRequest(testClientID)
	req.Scope = "openid"
	req.Nonce = "abc123"
	req.CodeChallenge = challenge

	result, err := env.srv.Authorize(ctx, req, session.ID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	resp, err := env.srv.Token(ctx, confidentialCreds(), &AuthorizationCodeGrant{
		Code:         codeFromRedirect(t, result.RedirectURL),
		RedirectURI:  testutil.TestRedirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	claims, err := env.srv.Issuer().DecodeToken(resp.IDToken, true)
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	if claims.Nonce != "abc123" {
		t.Errorf("nonce = %q", claims.Nonce)
	}
	if claims.AtHash == "" {
		t.Error("ID token carries no at_hash")
	}
}

func TestServer_Authorize_OmittedRedirectURIExchange(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	session := env.signIn(t, testClientID, "api:read")

	challenge, verifier := testutil.GeneratePKCEPair()
	req := validAuthorizationRequest(testClientID)
	req.Scope = "api:read"
	req.RedirectURI = ""
	req.CodeChallenge = challenge

	result, err := env.srv.Authorize(ctx, req, session.ID)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	// The token request must then omit redirect_uri as well
	_, err = env.srv.Token(ctx, confidentialCreds(), &AuthorizationCodeGrant{
		Code:         codeFromRedirect(t, result.RedirectURL),
		RedirectURI:  "",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
}

func TestServer_DecideConsent_Denied(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	session, err := env.srv.Login(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	_, err = env.srv.DecideConsent(ctx, validAuthorizationRequest(testClientID), session.ID, false)
	var redirectErr *RedirectError
	if !errors.As(err, &redirectErr) || redirectErr.Err.Code != ErrorCodeAccessDenied {
		t.Fatalf("DecideConsent(deny) error = %v, want access_denied redirect", err)
	}

	if _, err := env.store.GetConsent(ctx, env.user.ID, testClientID); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Errorf("GetConsent() error = %v, want ErrConsentNotFound", err)
	}
}

func TestServer_DecideConsent_RequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.srv.DecideConsent(context.Background(), validAuthorizationRequest(testClientID), "missing", true)
	wantOAuthError(t, err, ErrorCodeLoginRequired)
}
