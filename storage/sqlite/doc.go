// Package sqlite implements the relational storage interfaces (clients, users,
// consents, authorization codes and refresh tokens) on SQLite through the
// pure-Go modernc.org/sqlite driver.
//
// Single-use semantics rely on conditional updates such as
//
//	UPDATE authorization_codes SET used = 1 WHERE code = ? AND used = 0
//
// whose affected row count tells the caller whether it won. Schema changes live
// in the embedded migrations package and are applied by Open.
package sqlite
