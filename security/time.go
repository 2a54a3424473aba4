package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the leeway applied when checking JWT
	// exp/nbf/iat and stored expiry timestamps.
	//
	// It absorbs minor time differences between the server instances that
	// issue and verify tokens. 5 seconds handles typical NTP drift while
	// extending token lifetimes only marginally.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock returns the current time. Components take a Clock instead of calling
// time.Now directly so tests can move time forward.
type Clock func() time.Time

// SystemClock returns the wall clock time.
func SystemClock() time.Time {
	return time.Now()
}

// IsExpiredAt reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
