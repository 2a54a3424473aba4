package server

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/storage"
)

func newDeviceTestEnv(t *testing.T) (*testEnv, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(time.Now())
	env := newTestEnv(t, func(c *Config) { c.Clock = clock.Now })
	return env, clock
}

func TestServer_DeviceFlow(t *testing.T) {
	env, clock := newDeviceTestEnv(t)
	ctx := context.Background()

	auth, err := env.srv.StartDeviceAuthorization(ctx, confidentialCreds(), "openid offline_access")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}
	if auth.Interval != 5 || auth.ExpiresIn != 600 {
		t.Errorf("interval=%d expires_in=%d, want 5 and 600", auth.Interval, auth.ExpiresIn)
	}
	if auth.VerificationURI != testIssuer+"/oauth2/device" {
		t.Errorf("VerificationURI = %q", auth.VerificationURI)
	}
	complete, err := url.Parse(auth.VerificationURIComplete)
	if err != nil || complete.Query().Get("user_code") != auth.UserCode {
		t.Errorf("VerificationURIComplete = %q", auth.VerificationURIComplete)
	}

	poll := func() (*TokenResponse, error) {
		return env.srv.Token(ctx, confidentialCreds(), &DeviceCodeGrant{DeviceCode: auth.DeviceCode})
	}

	_, err = poll()
	wantOAuthError(t, err, ErrorCodeAuthorizationPending)

	_, err = poll()
	wantOAuthError(t, err, ErrorCodeSlowDown)

	// Each slow_down adds 5s to the interval
	clock.Advance(6 * time.Second)
	_, err = poll()
	wantOAuthError(t, err, ErrorCodeSlowDown)

	clock.Advance(16 * time.Second)
	_, err = poll()
	wantOAuthError(t, err, ErrorCodeAuthorizationPending)

	prompt, err := env.srv.LookupDeviceCode(ctx, strings.ToLower(strings.ReplaceAll(auth.UserCode, "-", " ")))
	if err != nil {
		t.Fatalf("LookupDeviceCode() error = %v", err)
	}
	if prompt.ClientID != testClientID || len(prompt.Scopes) != 2 {
		t.Errorf("prompt = %+v", prompt)
	}

	session, err := env.srv.Login(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := env.srv.DecideDeviceCode(ctx, session, auth.UserCode, true); err != nil {
		t.Fatalf("DecideDeviceCode() error = %v", err)
	}

	clock.Advance(20 * time.Second)
	resp, err := poll()
	if err != nil {
		t.Fatalf("poll after approval error = %v", err)
	}
	if resp.IDToken == "" || resp.RefreshToken == "" {
		t.Errorf("expected ID and refresh tokens, got %+v", resp)
	}

	// The device code is single use
	clock.Advance(20 * time.Second)
	_, err = poll()
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_DeviceFlow_Denied(t *testing.T) {
	env, _ := newDeviceTestEnv(t)
	ctx := context.Background()

	auth, err := env.srv.StartDeviceAuthorization(ctx, confidentialCreds(), "")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}
	session, err := env.srv.Login(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := env.srv.DecideDeviceCode(ctx, session, auth.UserCode, false); err != nil {
		t.Fatalf("DecideDeviceCode() error = %v", err)
	}

	err = env.srv.DecideDeviceCode(ctx, session, auth.UserCode, true)
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = env.srv.Token(ctx, confidentialCreds(), &DeviceCodeGrant{DeviceCode: auth.DeviceCode})
	wantOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestServer_DeviceFlow_Expired(t *testing.T) {
	env, clock := newDeviceTestEnv(t)
	ctx := context.Background()

	auth, err := env.srv.StartDeviceAuthorization(ctx, confidentialCreds(), "api:read")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	clock.Advance(11 * time.Minute)
	_, err = env.srv.Token(ctx, confidentialCreds(), &DeviceCodeGrant{DeviceCode: auth.DeviceCode})
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_DeviceFlow_OtherClient(t *testing.T) {
	env, _ := newDeviceTestEnv(t)
	ctx := context.Background()

	auth, err := env.srv.StartDeviceAuthorization(ctx, confidentialCreds(), "openid")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	_, err = env.srv.Token(ctx, publicCreds(), &DeviceCodeGrant{DeviceCode: auth.DeviceCode})
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestServer_StartDeviceAuthorization_Rejected(t *testing.T) {
	env, _ := newDeviceTestEnv(t)
	ctx := context.Background()

	noDevice := testutil.NewTestClient("no-device-client")
	noDevice.GrantTypes = []string{GrantTypeClientCredentials}
	if err := env.store.SaveClient(ctx, noDevice); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	_, err := env.srv.StartDeviceAuthorization(ctx, confidentialCreds(), "openid admin")
	wantOAuthError(t, err, ErrorCodeInvalidScope)

	_, err = env.srv.StartDeviceAuthorization(ctx, ClientCredentials{
		ClientID:     "no-device-client",
		ClientSecret: testutil.TestClientSecret,
		Method:       storage.AuthMethodSecretBasic,
	}, "")
	wantOAuthError(t, err, ErrorCodeUnauthorizedClient)
}

func TestServer_DecideDeviceCode_RequiresSession(t *testing.T) {
	env, _ := newDeviceTestEnv(t)
	err := env.srv.DecideDeviceCode(context.Background(), nil, "BCDF-GHJK", true)
	wantOAuthError(t, err, ErrorCodeLoginRequired)
}

func TestGenerateUserCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generateUserCode() error = %v", err)
		}
		if len(code) != 9 || code[4] != '-' {
			t.Fatalf("user code %q is not XXXX-XXXX", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(userCodeAlphabet, r) {
				t.Fatalf("user code %q contains %q", code, r)
			}
		}
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BCDF-GHJK", "BCDF-GHJK"},
		{"bcdfghjk", "BCDF-GHJK"},
		{" bcdf ghjk ", "BCDF-GHJK"},
		{"BCDF", "BCDF"},
		{"AEIO-UBCD", "BCD"},
	}
	for _, tt := range tests {
		if got := NormalizeUserCode(tt.in); got != tt.want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
