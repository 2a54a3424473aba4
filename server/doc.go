// Package server implements the authorization server engine.
//
// The Server type holds no HTTP code; the root package adapts it to
// endpoints. It covers:
//   - the token endpoint grants (authorization code with PKCE, client
//     credentials, refresh token with rotation, device code)
//   - client authentication with rotating secrets
//   - authorization request validation, login sessions and consent
//   - introspection (RFC 7662) and revocation (RFC 7009)
//
// All state lives behind the storage interfaces, so a Server is safe for
// concurrent use and several instances may share one backend. Operations
// that must happen exactly once (consuming a code, rotating a refresh token,
// deciding a device code) are atomic in the stores.
//
// Expected failures are returned as *Error values carrying the OAuth error
// code; authorization endpoint failures that may be sent back to the client
// are wrapped in *RedirectError.
//
// Example usage:
//
//	store := memory.New()
//	km, _ := keys.NewManager(keys.NewMemoryStore(), keys.Config{})
//	_ = km.EnsureKeys(ctx)
//	issuer, _ := token.NewIssuer(km, token.Config{Issuer: "https://auth.example.com"})
//
//	srv, err := server.New(server.StoresFrom(store), issuer, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
