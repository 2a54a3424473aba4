package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
)

func TestNewError_Status(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeAuthorizationPending, http.StatusBadRequest},
		{ErrorCodeSlowDown, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrorCodeInsufficientScope, http.StatusForbidden},
		{ErrorCodeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := NewError(tt.code, "x").Status; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	if got := ErrInvalidGrant("code expired").Error(); got != "invalid_grant: code expired" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRedirectError_Location(t *testing.T) {
	err := &RedirectError{
		Err:         ErrAccessDenied("user said no"),
		RedirectURI: "https://app.example.com/cb?tenant=a",
		State:       "xyz",
		Issuer:      testIssuer,
	}

	loc, perr := url.Parse(err.Location())
	if perr != nil {
		t.Fatalf("Location() is not a URL: %v", perr)
	}
	q := loc.Query()
	want := map[string]string{
		"error":             ErrorCodeAccessDenied,
		"error_description": "user said no",
		"state":             "xyz",
		"iss":               testIssuer,
		"tenant":            "a",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if loc.Host != "app.example.com" || loc.Path != "/cb" {
		t.Errorf("Location() = %s", loc)
	}
}

func TestRedirectError_OmitsEmptyState(t *testing.T) {
	err := &RedirectError{Err: ErrLoginRequired(""), RedirectURI: "https://app.example.com/cb"}
	loc, _ := url.Parse(err.Location())
	if loc.Query().Has("state") || loc.Query().Has("error_description") || loc.Query().Has("iss") {
		t.Errorf("Location() = %s, want only error", err.Location())
	}
}

func TestAsError(t *testing.T) {
	base := ErrInvalidScope("nope")

	tests := []struct {
		name string
		err  error
		want *Error
	}{
		{"direct", base, base},
		{"wrapped", fmt.Errorf("context: %w", base), base},
		{"redirect", &RedirectError{Err: base}, base},
		{"plain", errors.New("boom"), nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AsError(tt.err); got != tt.want {
				t.Errorf("AsError() = %v, want %v", got, tt.want)
			}
		})
	}
}
