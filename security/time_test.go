package security

import (
	"testing"
	"time"
)

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"no grace, one second past", now.Add(-time.Second), 0, true},
		{"no grace, exactly now", now, 0, false},
		{"grace covers the gap", now.Add(-3 * time.Second), 5 * time.Second, false},
		{"grace exceeded", now.Add(-6 * time.Second), 5 * time.Second, true},
		{"zero never expires", time.Time{}, 0, false},
		{"default grace absorbs drift", now.Add(-time.Second), DefaultClockSkewGracePeriod, false},
		{"future expiry", now.Add(time.Minute), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredAt(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemClock(t *testing.T) {
	var clock Clock = SystemClock
	if d := time.Since(clock()); d < 0 || d > time.Second {
		t.Errorf("SystemClock() is off by %v", d)
	}
}
