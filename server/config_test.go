package server

import (
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/security"
)

func TestApplySecureDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{Issuer: testIssuer}, testutil.DiscardLogger())

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"AuthorizationCodeTTL", config.AuthorizationCodeTTL, 10 * time.Minute},
		{"AccessTokenTTL", config.AccessTokenTTL, time.Hour},
		{"RefreshTokenTTL", config.RefreshTokenTTL, 30 * 24 * time.Hour},
		{"IDTokenTTL", config.IDTokenTTL, time.Hour},
		{"DeviceCodeTTL", config.DeviceCodeTTL, 10 * time.Minute},
		{"DeviceCodeInterval", config.DeviceCodeInterval, 5 * time.Second},
		{"SessionTTL", config.SessionTTL, 8 * time.Hour},
		{"SessionIdleTimeout", config.SessionIdleTimeout, 30 * time.Minute},
		{"ClockSkewGracePeriod", config.ClockSkewGracePeriod, security.DefaultClockSkewGracePeriod},
		{"MaxScopeLength", config.MaxScopeLength, 1000},
		{"DeviceVerificationURI", config.DeviceVerificationURI, testIssuer + "/oauth2/device"},
		{"AllowRefreshTokenRotation", config.AllowRefreshTokenRotation, true},
		{"RequirePKCE", config.RequirePKCE, true},
		{"AllowPKCEPlain", config.AllowPKCEPlain, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if config.Clock == nil {
		t.Error("Clock not defaulted")
	}
}

func TestApplySecureDefaults_ExplicitSecuritySettingsKept(t *testing.T) {
	// Setting any security flag means the caller configured them deliberately
	config := applySecureDefaults(&Config{Issuer: testIssuer, TrustProxy: true}, testutil.DiscardLogger())
	if config.RequirePKCE || config.AllowRefreshTokenRotation {
		t.Errorf("RequirePKCE=%v AllowRefreshTokenRotation=%v, want both false",
			config.RequirePKCE, config.AllowRefreshTokenRotation)
	}
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name      string
		issuer    string
		allowHTTP bool
		wantErr   string
	}{
		{name: "https", issuer: "https://auth.example.com"},
		{name: "localhost http", issuer: "http://localhost:8080"},
		{name: "loopback ip", issuer: "http://127.0.0.1:9000"},
		{name: "ipv6 loopback", issuer: "http://[::1]:9000"},
		{name: "remote http", issuer: "http://auth.example.com", wantErr: "must use HTTPS"},
		{name: "remote http allowed", issuer: "http://auth.example.com", allowHTTP: true},
		{name: "empty", issuer: "", wantErr: "issuer is required"},
		{name: "query", issuer: "https://auth.example.com?tenant=a", wantErr: "query or fragment"},
		{name: "other scheme", issuer: "ftp://auth.example.com", wantErr: "http(s) URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateHTTPSEnforcement(&Config{Issuer: tt.issuer, AllowInsecureHTTP: tt.allowHTTP}, testutil.DiscardLogger())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateHTTPSEnforcement() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateHTTPSEnforcement() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
