package token

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-authz/security"
)

// JWT "typ" header values. Access tokens follow RFC 9068 so that an ID token
// can never be replayed as a bearer token.
const (
	TypeAccessToken = "at+jwt"
	TypeIDToken     = "JWT"
)

const (
	// DefaultAccessTokenTTL applies when neither the request nor the config sets one
	DefaultAccessTokenTTL = time.Hour

	// DefaultIDTokenTTL applies when neither the request nor the config sets one
	DefaultIDTokenTTL = time.Hour
)

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, wrong issuer and unknown keys
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned for a well-formed, correctly signed token past its exp
	ErrExpiredToken = errors.New("token expired")
)

// reservedClaims cannot be overridden through Extra
var reservedClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	"jti": true, "client_id": true, "scope": true, "nonce": true, "auth_time": true,
	"at_hash": true, "azp": true,
}

// Signer is the key holder the issuer signs and verifies with.
// keys.Manager implements it.
type Signer interface {
	Sign(header map[string]any, claims jwt.Claims) (string, error)
	Keyfunc(token *jwt.Token) (any, error)
}

// Config configures an Issuer
type Config struct {
	// Issuer is the "iss" claim and the only issuer accepted on decode
	Issuer string

	AccessTokenTTL time.Duration
	IDTokenTTL     time.Duration

	// Leeway tolerates clock skew on iat and nbf. Expiry is never extended.
	Leeway time.Duration

	// Clock defaults to the wall clock
	Clock security.Clock
}

// Issuer mints and verifies the server's JWTs.
type Issuer struct {
	signer Signer
	cfg    Config
	parser *jwt.Parser
}

// NewIssuer creates an issuer signing with signer
func NewIssuer(signer Signer, cfg Config) (*Issuer, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = DefaultIDTokenTTL
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = security.DefaultClockSkewGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = security.SystemClock
	}

	return &Issuer{
		signer: signer,
		cfg:    cfg,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(cfg.Clock),
		),
	}, nil
}

// IssuerURL returns the configured issuer identifier
func (i *Issuer) IssuerURL() string {
	return i.cfg.Issuer
}

// AccessTokenRequest describes an access token to mint
type AccessTokenRequest struct {
	Subject  string
	ClientID string
	Scope    string

	// Audience defaults to the client ID
	Audience []string

	// Extra claims are added unless they collide with a registered claim
	Extra map[string]any

	// TTL overrides the configured access token lifetime
	TTL time.Duration
}

// IssuedToken is a signed access token and the identifiers callers need to
// revoke it later.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresIn int64
	ExpiresAt time.Time
}

// CreateAccessToken mints a signed access token
func (i *Issuer) CreateAccessToken(req AccessTokenRequest) (*IssuedToken, error) {
	if req.Subject == "" || req.ClientID == "" {
		return nil, fmt.Errorf("subject and client_id are required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.cfg.AccessTokenTTL
	}
	audience := req.Audience
	if len(audience) == 0 {
		audience = []string{req.ClientID}
	}

	now := i.cfg.Clock().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	jti := uuid.NewString()

	claims := jwt.MapClaims{}
	for k, v := range req.Extra {
		if !reservedClaims[k] {
			claims[k] = v
		}
	}
	claims["iss"] = i.cfg.Issuer
	claims["sub"] = req.Subject
	claims["aud"] = audience
	claims["exp"] = expiresAt.Unix()
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["jti"] = jti
	claims["client_id"] = req.ClientID
	if req.Scope != "" {
		claims["scope"] = req.Scope
	}

	signed, err := i.signer.Sign(map[string]any{"typ": TypeAccessToken}, claims)
	if err != nil {
		return nil, err
	}

	return &IssuedToken{
		Token:     signed,
		JTI:       jti,
		ExpiresIn: int64(ttl / time.Second),
		ExpiresAt: expiresAt,
	}, nil
}

// IDTokenRequest describes an OIDC ID token to mint
type IDTokenRequest struct {
	Subject  string
	ClientID string

	// Nonce must be echoed whenever the authorization request carried one
	Nonce    string
	AuthTime time.Time

	// AccessToken, when set, is hashed into at_hash
	AccessToken string

	// Claims are user claims such as email or name
	Claims map[string]any

	TTL time.Duration
}

// CreateIDToken mints a signed OIDC ID token whose audience is the client
func (i *Issuer) CreateIDToken(req IDTokenRequest) (string, error) {
	if req.Subject == "" || req.ClientID == "" {
		return "", fmt.Errorf("subject and client_id are required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = i.cfg.IDTokenTTL
	}
	now := i.cfg.Clock().Truncate(time.Second)

	claims := jwt.MapClaims{}
	for k, v := range req.Claims {
		if !reservedClaims[k] {
			claims[k] = v
		}
	}
	claims["iss"] = i.cfg.Issuer
	claims["sub"] = req.Subject
	claims["aud"] = []string{req.ClientID}
	claims["azp"] = req.ClientID
	claims["exp"] = now.Add(ttl).Unix()
	claims["iat"] = now.Unix()
	claims["jti"] = uuid.NewString()
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if !req.AuthTime.IsZero() {
		claims["auth_time"] = req.AuthTime.Unix()
	}
	if req.AccessToken != "" {
		claims["at_hash"] = AccessTokenHash(req.AccessToken)
	}

	return i.signer.Sign(map[string]any{"typ": TypeIDToken}, claims)
}

// DecodeToken parses a token. With verify set, signature, issuer, expiry and
// the signing key are checked and failures map to ErrInvalidToken or
// ErrExpiredToken. Without verify only the structure is checked; that path is
// reserved for trusted callers that look up identifiers.
func (i *Issuer) DecodeToken(raw string, verify bool) (*Claims, error) {
	mc := jwt.MapClaims{}

	var tok *jwt.Token
	var err error
	if verify {
		tok, err = i.parser.ParseWithClaims(raw, mc, i.signer.Keyfunc)
	} else {
		tok, _, err = i.parser.ParseUnverified(raw, mc)
	}
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, err := claimsFromMap(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// The parser applies its leeway to exp as well; a token is dead from
	// the second it expires.
	if verify && !i.cfg.Clock().Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: token expired at %s", ErrExpiredToken, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	claims.Type, _ = tok.Header["typ"].(string)
	claims.KeyID, _ = tok.Header["kid"].(string)
	return claims, nil
}

// DecodeAccessToken verifies raw and requires it to be an access token
func (i *Issuer) DecodeAccessToken(raw string) (*Claims, error) {
	claims, err := i.DecodeToken(raw, true)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(claims.Type, TypeAccessToken) {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

// GetJTI extracts the jti without verifying the signature. It returns an empty
// string for anything that is not a structurally valid JWT.
func (i *Issuer) GetJTI(raw string) string {
	claims, err := i.DecodeToken(raw, false)
	if err != nil {
		return ""
	}
	return claims.ID
}

// AccessTokenHash computes the OIDC at_hash for an RS256 access token: the
// left half of its SHA-256 digest, base64url encoded.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

// LooksLikeJWT reports whether s has the three dot-separated segments of a JWS
func LooksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
