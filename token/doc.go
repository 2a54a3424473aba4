// Package token mints and verifies the authorization server's JWTs.
//
// Access tokens carry iss, sub, aud, exp, iat, nbf, jti, client_id and scope,
// and use the RFC 9068 "at+jwt" type header. ID tokens follow OpenID Connect
// Core: the audience is the client, the authorization request's nonce is
// echoed, and at_hash binds the ID token to the access token issued with it.
//
// Signing is delegated to a Signer (normally keys.Manager), so the Issuer
// itself never touches private key material.
package token
