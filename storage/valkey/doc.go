// Package valkey provides a Valkey storage backend for the short-lived state
// of the authorization server.
//
// Valkey is wire-compatible with Redis. The Store type implements:
//
//   - [storage.ClientStore]: client registrations
//   - [storage.CodeStore]: authorization codes with atomic single use
//   - [storage.RefreshTokenStore]: refresh tokens with atomic rotation
//   - [storage.TokenBlacklist]: revoked access token IDs
//   - [storage.DeviceCodeStore]: RFC 8628 device authorizations
//   - [storage.SessionStore] and [storage.NonceStore]
//
// Users and consents are long-lived relational data and are served by the
// sqlite package instead.
//
// # Key Schema
//
// All keys share a configurable prefix (default "oidc:"):
//
//	{prefix}client:{clientID}           -> JSON(Client)
//	{prefix}code:{code}                 -> HASH data, used, expires_ms
//	{prefix}refresh:{token}             -> HASH data, revoked, revoked_at, replaced_by, expires_at
//	{prefix}userclient:{uid}:{cid}      -> SET of refresh tokens
//	{prefix}blacklist:{jti}             -> "1" (TTL = token lifetime)
//	{prefix}device:{deviceCode}         -> HASH data, status, interval_ms, last_polled_ms, ...
//	{prefix}usercode:{userCode}         -> deviceCode
//	{prefix}session:{sessionID}         -> JSON(Session)
//	{prefix}nonce:{clientID}:{nonce}    -> "1"
//
// # Atomic Operations
//
// Code consumption, refresh token rotation, lineage revocation and device
// polling run as Lua scripts, so concurrent requests against the same record
// are serialized by the server. Scripts derive some keys from arguments, which
// means a cluster deployment must keep one prefix on a single slot.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
