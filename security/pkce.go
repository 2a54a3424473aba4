package security

import (
	"crypto/subtle"
	"errors"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCE code challenge methods (RFC 7636 section 4.2)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Errors returned by VerifyPKCE. All of them map to invalid_grant.
var (
	ErrPKCEVerifierMissing   = errors.New("code_verifier is required")
	ErrPKCEVerifierMalformed = errors.New("code_verifier must be 43-128 characters of [A-Za-z0-9-._~]")
	ErrPKCEMethodUnsupported = errors.New("unsupported code_challenge_method")
	ErrPKCEMismatch          = errors.New("code_verifier does not match code_challenge")
)

// verifierPattern is the unreserved character set of RFC 7636 section 4.1.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidChallenge reports whether a code_challenge has the shape of a PKCE
// challenge. S256 challenges are always 43 characters of base64url.
func ValidChallenge(challenge string) bool {
	return verifierPattern.MatchString(challenge)
}

// VerifyPKCE checks a code_verifier against the challenge stored with an
// authorization code. When no challenge was stored the check passes only if
// no verifier is presented either.
//
// Only S256 is accepted unless allowPlain is set. The comparison runs in
// constant time.
func VerifyPKCE(verifier, challenge, method string, allowPlain bool) error {
	if challenge == "" {
		if verifier != "" {
			return ErrPKCEMismatch
		}
		return nil
	}
	if verifier == "" {
		return ErrPKCEVerifierMissing
	}
	if !verifierPattern.MatchString(verifier) {
		return ErrPKCEVerifierMalformed
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		if !allowPlain {
			return ErrPKCEMethodUnsupported
		}
		computed = verifier
	default:
		return ErrPKCEMethodUnsupported
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
