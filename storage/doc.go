// Package storage defines the repository contracts and data model of the
// authorization server.
//
// Contracts:
//   - ClientStore, UserStore: registered clients and resource owners
//   - CodeStore: authorization codes with atomic single-use consumption
//   - RefreshTokenStore: refresh tokens with atomic rotation and a replaced_by chain
//   - TokenBlacklist: access token JTIs revoked before expiry
//   - DeviceCodeStore: RFC 8628 device authorizations with atomic polling
//   - ConsentStore, SessionStore, NonceStore: consent, browser sessions, OIDC nonce replay
//
// Every state transition that must have at most one winner under concurrency is a
// single method of its contract, so each backend implements it with its own atomic
// primitive.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage guarded by a single mutex, for development and tests
//   - storage/valkey: Valkey/Redis-compatible storage for TTL-bound state (Lua scripts)
//   - storage/sqlite: SQLite storage for relational state (conditional UPDATEs)
//   - storage/mock: Function-field doubles for failure injection in tests
package storage
