package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
//
// SECURITY WARNING: never attach credential values (access tokens, refresh
// tokens, authorization codes, client secrets, PKCE verifiers) to spans or
// metrics. Traces are retained longer and read more widely than production
// data. Record metadata such as grant type, token type or outcome instead.
const (
	// OAuth attributes
	AttrClientID         = "oauth.client_id"
	AttrUserID           = "oauth.user_id"
	AttrScope            = "oauth.scope"
	AttrGrantType        = "oauth.grant_type"
	AttrResponseType     = "oauth.response_type"
	AttrClientType       = "oauth.client_type"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrTokenType        = "oauth.token_type" //nolint:gosec // token type hint, not a token
	AttrTokenActive      = "oauth.token.active"
	AttrCodeReplay       = "oauth.code.replay"
	AttrRefreshReuse     = "oauth.refresh.reuse"
	AttrDevicePollStatus = "oauth.device.poll_status"
	AttrOutcome          = "oauth.outcome"
	AttrError            = "oauth.error"
	AttrErrorDescription = "oauth.error_description"
	AttrKeyID            = "oauth.key_id"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP       = "security.client_ip"
	AttrAuditEventType = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span and marks it failed (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanOAuthError marks a span failed with an OAuth error code (nil-safe)
func SetSpanOAuthError(span trace.Span, code, description string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrError, code),
		attribute.String(AttrErrorDescription, description),
	)
	span.SetStatus(codes.Error, code)
}

// AddGrantAttributes adds the attributes shared by every grant (nil-safe).
// Empty values are skipped.
func AddGrantAttributes(span trace.Span, grantType, clientID, scope string) {
	if span == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 3)
	if grantType != "" {
		attrs = append(attrs, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	span.SetAttributes(attrs...)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddClientIPAttribute adds the client IP when inst allows it (nil-safe)
func AddClientIPAttribute(span trace.Span, inst *Instrumentation, clientIP string) {
	if span == nil || clientIP == "" || !inst.ShouldLogClientIPs() {
		return
	}
	span.SetAttributes(attribute.String(AttrClientIP, clientIP))
}
