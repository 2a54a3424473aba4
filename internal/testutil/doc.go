// Package testutil provides testing utilities and fixtures for the oidc-authz
// module: storage records (clients, users, codes, refresh tokens, device codes),
// a controllable clock, PKCE pairs, and a small HTTP request builder.
package testutil
