package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events as "security_audit" log records. User IDs
// are replaced with a short SHA-256 prefix, so records can be correlated
// without the log holding the identifier itself.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	clock   Clock
}

// NewAuditor creates an auditor. A disabled auditor drops every event.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled, clock: SystemClock}
}

// SetClock replaces the time source used to stamp events
func (a *Auditor) SetClock(c Clock) {
	if c != nil {
		a.clock = c
	}
}

// Event is one audit record
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// eventLevel ranks events: replays are attacks in progress, policy
// violations deserve a look, the rest is routine.
func eventLevel(eventType string) slog.Level {
	switch eventType {
	case EventAuthorizationCodeReuseDetected, EventRefreshTokenReuseDetected, EventNonceReplayDetected:
		return slog.LevelError
	case EventAuthFailure, EventRateLimitExceeded, EventPKCEValidationFailed,
		EventInvalidRedirect, EventScopeEscalationAttempt:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// LogEvent writes event. Empty fields are left out of the record.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.clock()
	}

	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs,
		slog.String("event_type", event.Type),
		slog.Time("timestamp", event.Timestamp),
	)
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id_hash", hashUserID(event.UserID)))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.Any("details", event.Details))
	}
	a.logger.LogAttrs(context.Background(), eventLevel(event.Type), "security_audit", attrs...)
}

// LogTokenIssued records a successful grant
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"grant_type": grantType, "scope": scope},
	})
}

// LogTokenRefreshed records a refresh token rotation
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{Type: EventTokenRefreshed, UserID: userID, ClientID: clientID, IPAddress: ipAddress})
}

// LogTokenRevoked records a revocation request that took effect
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogReplayDetected records reuse of a one-time credential and how many
// refresh tokens were revoked in response.
func (a *Auditor) LogReplayDetected(eventType, userID, clientID, ipAddress string, revokedTokens int) {
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"revoked_refresh_tokens": revokedTokens},
	})
}

// LogAuthFailure records a failed client or user authentication
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded records a rejected request
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// LogClientRegistered records a new client
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogUserEvent records something the resource owner did: a login, a consent
// decision or a device decision.
func (a *Auditor) LogUserEvent(eventType, userID, clientID, ipAddress string, details map[string]any) {
	a.LogEvent(Event{
		Type:      eventType,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   details,
	})
}

func hashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:8])
}
