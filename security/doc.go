// Package security provides the security building blocks of the authorization
// server: PKCE verification, audit logging, rate limiting, AES-GCM encryption
// at rest, client IP resolution, security headers, request IDs and clock skew
// handling.
//
// # PKCE
//
// VerifyPKCE implements RFC 7636. Only the S256 method is accepted unless the
// caller explicitly allows "plain", and the final comparison is constant time.
//
// # Audit Logging
//
// The Auditor writes structured "security_audit" records through slog. User
// IDs are hashed before logging; client IDs and IP addresses are logged as is.
// Event names are defined as Event* constants.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per key with LRU eviction, so a flood of
// distinct source addresses cannot grow memory without bound. The HTTP layer
// keys it by endpoint and client IP; the engine keys a second limiter by
// security event so repeated replays log once.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//	if !limiter.Allow("token:" + resolver.Resolve(r)) {
//	    // 429
//	}
//
// # Encryption
//
// Encryptor seals private signing keys written to disk with AES-256-GCM. The
// key ID is passed as additional data so sealed keys cannot be swapped.
package security
