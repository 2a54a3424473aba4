package server

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestServer_Login(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	disabled := *env.user
	disabled.ID = "user-disabled"
	disabled.Username = "mallory"
	disabled.Active = false
	if err := env.store.SaveUser(ctx, &disabled); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
		wantCode string
	}{
		{"valid", testUsername, testPassword, ""},
		{"wrong password", testUsername, "nope", ErrorCodeAccessDenied},
		{"unknown user", "bob", testPassword, ErrorCodeAccessDenied},
		{"disabled user", "mallory", testPassword, ErrorCodeAccessDenied},
		{"empty password", testUsername, "", ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := env.srv.Login(ctx, tt.username, tt.password)
			if tt.wantCode != "" {
				wantOAuthError(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if session.UserID != env.user.ID {
				t.Errorf("UserID = %q, want %q", session.UserID, env.user.ID)
			}
		})
	}
}

func TestServer_Logout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.issueRefreshToken(t, "openid offline_access")
	session, err := env.srv.Login(ctx, testUsername, testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if err := env.srv.Logout(ctx, session.ID, tokens.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := env.srv.Sessions.Get(ctx, session.ID); err == nil {
		t.Error("session survived logout")
	}
	_, err = env.srv.ValidateAccessToken(ctx, tokens.AccessToken)
	wantOAuthError(t, err, ErrorCodeInvalidToken)

	// Logging out twice is harmless
	if err := env.srv.Logout(ctx, session.ID, ""); err != nil {
		t.Errorf("second Logout() error = %v", err)
	}
}

func TestServer_UserInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tokens := env.issueRefreshToken(t, "openid profile email offline_access")
	info, err := env.srv.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	want := map[string]any{
		"sub":                env.user.ID,
		"name":               env.user.Name,
		"preferred_username": testUsername,
		"email":              env.user.Email,
		"email_verified":     true,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("UserInfo() mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_UserInfo_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	noOpenID := env.issueRefreshToken(t, "offline_access api:read")
	_, err := env.srv.UserInfo(ctx, noOpenID.AccessToken)
	wantOAuthError(t, err, ErrorCodeInsufficientScope)

	cc, err := env.srv.Token(ctx, confidentialCreds(), &ClientCredentialsGrant{Scope: "api:read"})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	_, err = env.srv.UserInfo(ctx, cc.AccessToken)
	wantOAuthError(t, err, ErrorCodeInsufficientScope)

	_, err = env.srv.UserInfo(ctx, "garbage")
	wantOAuthError(t, err, ErrorCodeInvalidToken)
}
