package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server.
// Record* methods are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Metrics
	TokensIssued      metric.Int64Counter
	GrantErrors       metric.Int64Counter
	TokensRevoked     metric.Int64Counter
	Introspections    metric.Int64Counter
	DevicePolls       metric.Int64Counter
	AuthorizeRequests metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	RefreshReuseDetected metric.Int64Counter
	KeyRotations         metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageDeviceCodesCount   metric.Int64ObservableGauge
	StorageSessionsCount      metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.TokensIssued, serverMeter, "oauth.tokens.issued", "Access tokens issued, by grant type", "{token}"},
		{&m.GrantErrors, serverMeter, "oauth.grant.errors", "Token endpoint failures, by grant type and error code", "{error}"},
		{&m.TokensRevoked, serverMeter, "oauth.tokens.revoked", "Tokens revoked through the revocation endpoint", "{token}"},
		{&m.Introspections, serverMeter, "oauth.introspections", "Introspection requests, by active result", "{request}"},
		{&m.DevicePolls, serverMeter, "oauth.device.polls", "Device code polls, by outcome", "{poll}"},
		{&m.AuthorizeRequests, serverMeter, "oauth.authorize.requests", "Authorization requests, by outcome", "{request}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.ratelimit.exceeded", "Requests rejected by the rate limiter", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "Failed PKCE verifications", "{failure}"},
		{&m.CodeReplayDetected, securityMeter, "oauth.code.replay_detected", "Authorization codes presented more than once", "{event}"},
		{&m.RefreshReuseDetected, securityMeter, "oauth.refresh.reuse_detected", "Rotated refresh tokens presented again", "{event}"},
		{&m.KeyRotations, securityMeter, "oauth.keys.rotations", "Signing key rotations", "{rotation}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events", "Security audit events, by type", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "oauth.storage.operations.total", "Storage operations, by backend, operation and result", "{operation}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "oauth.storage.clients", "Number of registered clients"},
		{&m.StorageCodesCount, "oauth.storage.codes", "Number of stored authorization codes"},
		{&m.StorageRefreshTokensCount, "oauth.storage.refresh_tokens", "Number of stored refresh tokens"},
		{&m.StorageDeviceCodesCount, "oauth.storage.device_codes", "Number of pending device codes"},
		{&m.StorageSessionsCount, "oauth.storage.sessions", "Number of live sessions"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request and its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.String(AttrHTTPStatusCode, strconv.Itoa(statusCode)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenIssued records an access token issued by a grant
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, clientID string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrClientID, clientID),
	))
}

// RecordGrantError records a failed token request
func (m *Metrics) RecordGrantError(ctx context.Context, grantType, errorCode string) {
	if m == nil {
		return
	}
	m.GrantErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrError, errorCode),
	))
}

// RecordTokenRevocation records a revocation request
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTokenType, tokenType)))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	if m == nil {
		return
	}
	m.Introspections.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrTokenActive, active)))
}

// RecordDevicePoll records the outcome of a device code poll
func (m *Metrics) RecordDevicePoll(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrDevicePollStatus, outcome)))
}

// RecordAuthorizeRequest records the outcome of an authorization request
// ("code_issued", "login_required", "consent_required", or an error code)
func (m *Metrics) RecordAuthorizeRequest(ctx context.Context, clientID, outcome string) {
	if m == nil {
		return
	}
	m.AuthorizeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, method)))
}

// RecordCodeReplayDetected records a replayed authorization code
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReuseDetected records a replayed rotated refresh token
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.RefreshReuseDetected.Add(ctx, 1)
}

// RecordKeyRotation records a signing key rotation
func (m *Metrics) RecordKeyRotation(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeyRotations.Add(ctx, 1)
}

// RecordAuditEvent records a security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditEventType, eventType)))
}

// RecordStorageOperation records a storage operation and its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, storageType, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageType, storageType),
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
