// Package memory provides an in-memory implementation of the storage interfaces.
//
// One Store value satisfies every repository contract of the storage package
// (clients, users, codes, refresh tokens, blacklist, device codes, consents,
// sessions and nonces) using Go maps guarded by a single sync.RWMutex. It is
// suitable for development, testing, and single-instance deployments where
// persistence is not required.
//
// Expired entries are swept by a background goroutine. Call Stop to end it.
//
// For multi-instance deployments use storage/valkey for the short-lived
// records and storage/sqlite for clients, users and consents.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(server.Stores{
//		Clients:       store,
//		Users:         store,
//		Codes:         store,
//		RefreshTokens: store,
//		Blacklist:     store,
//		DeviceCodes:   store,
//		Consents:      store,
//		Sessions:      store,
//		Nonces:        store,
//	}, keyManager, config, logger)
package memory
