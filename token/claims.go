package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is a decoded token. Registered and OAuth claims are lifted into
// fields; Raw keeps every claim as it appeared in the payload.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	ID        string

	ClientID string
	Scope    string
	Nonce    string
	AuthTime time.Time
	AtHash   string

	// Header values
	Type  string
	KeyID string

	Raw map[string]any
}

// IsAccessToken reports whether the token was minted as an access token
func (c *Claims) IsAccessToken() bool {
	return c.Type == TypeAccessToken
}

func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	c := &Claims{Raw: map[string]any(mc)}

	var err error
	if c.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, err
	}
	if c.Subject, err = mc.GetSubject(); err != nil {
		return nil, err
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, err
	}
	c.Audience = []string(aud)

	for _, field := range []struct {
		dst *time.Time
		get func() (*jwt.NumericDate, error)
	}{
		{&c.ExpiresAt, mc.GetExpirationTime},
		{&c.IssuedAt, mc.GetIssuedAt},
		{&c.NotBefore, mc.GetNotBefore},
	} {
		nd, err := field.get()
		if err != nil {
			return nil, err
		}
		if nd != nil {
			*field.dst = nd.Time
		}
	}

	strs := []struct {
		dst  *string
		name string
	}{
		{&c.ID, "jti"},
		{&c.ClientID, "client_id"},
		{&c.Scope, "scope"},
		{&c.Nonce, "nonce"},
		{&c.AtHash, "at_hash"},
	}
	for _, s := range strs {
		v, ok := mc[s.name]
		if !ok {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("claim %s must be a string", s.name)
		}
		*s.dst = str
	}

	if v, ok := mc["auth_time"]; ok {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("claim auth_time must be a number")
		}
		c.AuthTime = time.Unix(int64(f), 0)
	}

	return c, nil
}
