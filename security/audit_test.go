package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newCapturingAuditor returns an enabled auditor whose records can be read back
func newCapturingAuditor(t *testing.T) (*Auditor, func() []map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewAuditor(logger, true)
	a.SetClock(func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) })

	return a, func() []map[string]any {
		var records []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if line == "" {
				continue
			}
			var rec map[string]any
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				t.Fatalf("unparseable log line %q: %v", line, err)
			}
			records = append(records, rec)
		}
		return records
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	a, records := newCapturingAuditor(t)

	a.LogEvent(Event{
		Type:      EventLoginSucceeded,
		UserID:    "user-123",
		ClientID:  "client-456",
		IPAddress: "192.0.2.1",
		Details:   map[string]any{"method": "password"},
	})

	got := records()
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	rec := got[0]
	delete(rec, "time")

	want := map[string]any{
		"level":        "INFO",
		"msg":          "security_audit",
		"event_type":   EventLoginSucceeded,
		"timestamp":    "2025-01-02T03:04:05Z",
		"user_id_hash": hashUserID("user-123"),
		"client_id":    "client-456",
		"ip_address":   "192.0.2.1",
		"details":      map[string]any{"method": "password"},
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestAuditor_OmitsEmptyFields(t *testing.T) {
	a, records := newCapturingAuditor(t)
	a.LogEvent(Event{Type: EventSigningKeyRotated})

	rec := records()[0]
	for _, key := range []string{"user_id_hash", "client_id", "ip_address", "details"} {
		if _, ok := rec[key]; ok {
			t.Errorf("record has %q for an empty field", key)
		}
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), false)
	a.LogTokenIssued("user", "client", "192.0.2.1", "client_credentials", "api:read")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogEvent(Event{Type: EventLogout})
}

func TestAuditor_NilLogger(t *testing.T) {
	if a := NewAuditor(nil, true); a.logger == nil {
		t.Error("nil logger should fall back to slog.Default()")
	}
}

func TestAuditor_Levels(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantType  string
		wantLevel string
	}{
		{
			name:      "token issued",
			log:       func(a *Auditor) { a.LogTokenIssued("u", "c", "ip", "authorization_code", "openid") },
			wantType:  EventTokenIssued,
			wantLevel: "INFO",
		},
		{
			name:      "token refreshed",
			log:       func(a *Auditor) { a.LogTokenRefreshed("u", "c", "ip") },
			wantType:  EventTokenRefreshed,
			wantLevel: "INFO",
		},
		{
			name:      "token revoked",
			log:       func(a *Auditor) { a.LogTokenRevoked("u", "c", "ip", "refresh_token") },
			wantType:  EventTokenRevoked,
			wantLevel: "INFO",
		},
		{
			name:      "client registered",
			log:       func(a *Auditor) { a.LogClientRegistered("c", "public", "ip") },
			wantType:  EventClientRegistered,
			wantLevel: "INFO",
		},
		{
			name:      "auth failure",
			log:       func(a *Auditor) { a.LogAuthFailure("", "c", "ip", "bad_secret") },
			wantType:  EventAuthFailure,
			wantLevel: "WARN",
		},
		{
			name:      "rate limit",
			log:       func(a *Auditor) { a.LogRateLimitExceeded("ip", "token") },
			wantType:  EventRateLimitExceeded,
			wantLevel: "WARN",
		},
		{
			name:      "scope escalation",
			log:       func(a *Auditor) { a.LogUserEvent(EventScopeEscalationAttempt, "u", "c", "ip", nil) },
			wantType:  EventScopeEscalationAttempt,
			wantLevel: "WARN",
		},
		{
			name:      "code replay",
			log:       func(a *Auditor) { a.LogReplayDetected(EventAuthorizationCodeReuseDetected, "u", "c", "ip", 2) },
			wantType:  EventAuthorizationCodeReuseDetected,
			wantLevel: "ERROR",
		},
		{
			name:      "refresh replay",
			log:       func(a *Auditor) { a.LogReplayDetected(EventRefreshTokenReuseDetected, "u", "c", "ip", 1) },
			wantType:  EventRefreshTokenReuseDetected,
			wantLevel: "ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, records := newCapturingAuditor(t)
			tt.log(a)
			rec := records()[0]
			if rec["event_type"] != tt.wantType {
				t.Errorf("event_type = %v, want %s", rec["event_type"], tt.wantType)
			}
			if rec["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", rec["level"], tt.wantLevel)
			}
		})
	}
}

func TestHashUserID(t *testing.T) {
	h := hashUserID("user-123")
	if len(h) != 16 {
		t.Errorf("len = %d, want 16", len(h))
	}
	if h != hashUserID("user-123") {
		t.Error("hash is not deterministic")
	}
	if h == hashUserID("user-124") {
		t.Error("different users share a hash")
	}
}
