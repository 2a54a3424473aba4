package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
)

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// refreshTTLMillis is the key lifetime of a refresh token record, or 0 for
// tokens that never expire
func refreshTTLMillis(t *storage.RefreshToken) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return ttlUntil(t.ExpiresAt).Milliseconds()
}

// SaveRefreshToken stores a new refresh token and adds it to its lineage
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateLength(token.Token, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err := validateLength(token.UserID, MaxIDLength, "user_id"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := s.refreshTokenKey(token.Token)
	revoked := "0"
	if token.Revoked {
		revoked = "1"
	}

	cmds := valkeygo.Commands{
		s.client.B().Hset().Key(key).FieldValue().
			FieldValue("data", string(data)).
			FieldValue("revoked", revoked).
			FieldValue("revoked_at", strconv.FormatInt(unixOf(token.RevokedAt), 10)).
			FieldValue("replaced_by", token.ReplacedBy).
			FieldValue("expires_at", strconv.FormatInt(unixOf(token.ExpiresAt), 10)).
			Build(),
		s.client.B().Sadd().Key(s.userClientKey(token.UserID, token.ClientID)).Member(token.Token).Build(),
	}
	if ms := refreshTTLMillis(token); ms > 0 {
		cmds = append(cmds, s.client.B().Pexpire().Key(key).Milliseconds(ms).Build())
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
	}

	s.logger.Debug("Saved refresh token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetRefreshToken returns a refresh token, revoked or not
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if len(token) > MaxTokenLength {
		return nil, storage.ErrRefreshTokenNotFound
	}

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.refreshTokenKey(token)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrRefreshTokenNotFound
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	rt := fromRefreshTokenJSON(&j)
	rt.Revoked = fields["revoked"] == "1"
	rt.ReplacedBy = fields["replaced_by"]
	if sec, _ := strconv.ParseInt(fields["revoked_at"], 10, 64); sec > 0 {
		rt.RevokedAt = time.Unix(sec, 0)
	}
	return rt, nil
}

// RotateRefreshToken atomically revokes oldToken and stores next
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime)
	}()

	if next == nil {
		return fmt.Errorf("invalid refresh token")
	}
	if len(oldToken) > MaxTokenLength {
		return storage.ErrRefreshTokenNotFound
	}
	if err := validateLength(next.Token, MaxTokenLength, "token"); err != nil {
		return err
	}

	data, err := json.Marshal(toRefreshTokenJSON(next))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	reply, err := rotateRefreshScript.Exec(ctx, s.client,
		[]string{
			s.refreshTokenKey(oldToken),
			s.refreshTokenKey(next.Token),
			s.userClientKey(next.UserID, next.ClientID),
		},
		[]string{
			strconv.FormatInt(time.Now().Unix(), 10),
			string(data),
			strconv.FormatInt(unixOf(next.ExpiresAt), 10),
			next.Token,
			strconv.FormatInt(refreshTTLMillis(next), 10),
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute refresh token rotation: %w", err)
	}

	switch reply {
	case "OK":
		s.logger.Debug("Rotated refresh token",
			"old_prefix", util.SafeTruncate(oldToken, tokenIDLogLength),
			"new_prefix", util.SafeTruncate(next.Token, tokenIDLogLength))
		return nil
	case "NOT_FOUND":
		return storage.ErrRefreshTokenNotFound
	case "REVOKED":
		return storage.ErrRefreshTokenRevoked
	case "EXPIRED":
		return storage.ErrRefreshTokenExpired
	default:
		return fmt.Errorf("unexpected rotation result %q", reply)
	}
}

// RevokeRefreshToken marks a token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	if len(token) > MaxTokenLength {
		return storage.ErrRefreshTokenNotFound
	}

	reply, err := revokeRefreshScript.Exec(ctx, s.client,
		[]string{s.refreshTokenKey(token)},
		[]string{strconv.FormatInt(time.Now().Unix(), 10)},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if reply == "NOT_FOUND" {
		return storage.ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeRefreshTokensForUserClient revokes every live token of a (user, client) lineage
func (s *Store) RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) (revoked []*storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_tokens_for_user_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_tokens_for_user_client", err, startTime)
	}()

	now := time.Now()
	reply, err := revokeLineageScript.Exec(ctx, s.client,
		[]string{s.userClientKey(userID, clientID)},
		[]string{strconv.FormatInt(now.Unix(), 10), s.refreshTokenPrefix()},
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	revokedAt := time.Unix(now.Unix(), 0)
	for _, data := range reply {
		var j refreshTokenJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to decode revoked refresh token", "error", err)
			continue
		}
		rt := fromRefreshTokenJSON(&j)
		rt.Revoked = true
		rt.RevokedAt = revokedAt
		revoked = append(revoked, rt)
	}

	if len(revoked) > 0 {
		s.logger.Info("Revoked refresh token lineage",
			"client_id", clientID,
			"revoked", len(revoked))
	}
	return revoked, nil
}

// ============================================================
// TokenBlacklist Implementation
// ============================================================

// BlacklistToken records a jti until expiresAt. Entries for tokens that have
// already expired are not written.
func (s *Store) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := validateLength(jti, MaxIDLength, "jti"); err != nil {
		return err
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}

	err := blacklistScript.Exec(ctx, s.client,
		[]string{s.blacklistKey(jti)},
		[]string{strconv.FormatInt(ttl.Milliseconds()+1, 10)},
	).Error()
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether jti is blacklisted
func (s *Store) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	if len(jti) > MaxIDLength {
		return false, nil
	}

	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.blacklistKey(jti)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return n > 0, nil
}
