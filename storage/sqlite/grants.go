package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
)

const tokenIDLogLength = 8

// ============================================================
// CodeStore Implementation
// ============================================================

const codeColumns = `code, client_id, user_id, redirect_uri, scope, nonce, code_challenge,
    code_challenge_method, auth_time, created_at, expires_at, used, access_token_jti, access_token_expires_at`

// SaveAuthorizationCode stores or overwrites an authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || strings.TrimSpace(code.Code) == "" {
		return fmt.Errorf("invalid authorization code")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO authorization_codes (`+codeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope, code.Nonce,
		code.CodeChallenge, code.CodeChallengeMethod, toMillis(code.AuthTime), toMillis(code.CreatedAt),
		toMillis(code.ExpiresAt), boolToInt(code.Used), code.AccessTokenJTI, toMillis(code.AccessTokenExpiresAt))
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode reads an authorization code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return getAuthorizationCode(ctx, s.db, code)
}

// ConsumeAuthorizationCode marks an unused, unexpired code as used with a
// conditional UPDATE; only the statement that changes the row succeeds.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (result *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE authorization_codes SET used = 1, access_token_jti = ?, access_token_expires_at = ?
WHERE code = ? AND used = 0 AND expires_at >= ?`,
		accessTokenJTI, toMillis(accessTokenExpiresAt), code, toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	stored, err := getAuthorizationCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		if stored.Used {
			s.logger.Warn("Authorization code reuse attempt",
				"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
				"client_id", stored.ClientID)
			return stored, storage.ErrAuthorizationCodeUsed
		}
		return nil, storage.ErrAuthorizationCodeExpired
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return stored, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("delete authorization code: %w", err)
	}
	return nil
}

func getAuthorizationCode(ctx context.Context, q queryRower, code string) (*storage.AuthorizationCode, error) {
	var (
		c                                        storage.AuthorizationCode
		authTime, createdAt, expiresAt, atExpiry int64
		used                                     int
	)
	err := q.QueryRowContext(ctx, `SELECT `+codeColumns+` FROM authorization_codes WHERE code = ?`, code).Scan(
		&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.Nonce, &c.CodeChallenge,
		&c.CodeChallengeMethod, &authTime, &createdAt, &expiresAt, &used, &c.AccessTokenJTI, &atExpiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	c.AuthTime = fromMillis(authTime)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.Used = used == 1
	c.AccessTokenExpiresAt = fromMillis(atExpiry)
	return &c, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

const refreshColumns = `token, client_id, user_id, scope, auth_time, issued_at, expires_at,
    revoked, revoked_at, replaced_by, access_token_jti, access_token_expires_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, e execer, t *storage.RefreshToken) error {
	_, err := e.ExecContext(ctx, `
INSERT INTO refresh_tokens (`+refreshColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Token, t.ClientID, t.UserID, t.Scope, toMillis(t.AuthTime), toMillis(t.IssuedAt),
		toMillis(t.ExpiresAt), boolToInt(t.Revoked), toMillis(t.RevokedAt), t.ReplacedBy,
		t.AccessTokenJTI, toMillis(t.AccessTokenExpiresAt))
	return err
}

// SaveRefreshToken stores a new refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || strings.TrimSpace(token.Token) == "" {
		return fmt.Errorf("invalid refresh token")
	}
	if err := insertRefreshToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns a refresh token, revoked or not
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	return getRefreshToken(ctx, s.db, token)
}

// RotateRefreshToken revokes oldToken and inserts next in one transaction.
// The revoking UPDATE only matches a live token, so at most one concurrent
// rotation can win.
func (s *Store) RotateRefreshToken(ctx context.Context, oldToken string, next *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime)
	}()

	if next == nil || strings.TrimSpace(next.Token) == "" {
		return fmt.Errorf("invalid replacement refresh token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	res, err := tx.ExecContext(ctx, `
UPDATE refresh_tokens SET revoked = 1, revoked_at = ?, replaced_by = ?
WHERE token = ? AND revoked = 0 AND (expires_at = 0 OR expires_at >= ?)`,
		now, next.Token, oldToken, now)
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}

	if affected == 0 {
		old, err := getRefreshToken(ctx, tx, oldToken)
		if err != nil {
			return err
		}
		if old.Revoked {
			return storage.ErrRefreshTokenRevoked
		}
		return storage.ErrRefreshTokenExpired
	}

	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}

	s.logger.Debug("Rotated refresh token",
		"old_prefix", util.SafeTruncate(oldToken, tokenIDLogLength),
		"new_prefix", util.SafeTruncate(next.Token, tokenIDLogLength))
	return nil
}

// RevokeRefreshToken marks a refresh token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE refresh_tokens SET revoked = 1, revoked_at = CASE WHEN revoked = 1 THEN revoked_at ELSE ? END
WHERE token = ?`, toMillis(time.Now()), token)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeRefreshTokensForUserClient revokes every live token of the (user, client) pair
func (s *Store) RevokeRefreshTokensForUserClient(ctx context.Context, userID, clientID string) (revoked []*storage.RefreshToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_tokens_for_user_client")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_tokens_for_user_client", err, startTime)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin revoke: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens
WHERE user_id = ? AND client_id = ? AND revoked = 0`, userID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	for rows.Next() {
		rt, err := scanRefreshToken(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		revoked = append(revoked, rt)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
WHERE user_id = ? AND client_id = ? AND revoked = 0`, toMillis(now), userID, clientID); err != nil {
		return nil, fmt.Errorf("revoke refresh tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit revoke: %w", err)
	}

	for _, rt := range revoked {
		rt.Revoked = true
		rt.RevokedAt = fromMillis(toMillis(now))
	}
	if len(revoked) > 0 {
		s.logger.Info("Revoked refresh tokens for user and client",
			"client_id", clientID,
			"count", len(revoked))
	}
	return revoked, nil
}

func getRefreshToken(ctx context.Context, q queryRower, token string) (*storage.RefreshToken, error) {
	row := q.QueryRowContext(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE token = ?`, token)
	rt, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return rt, nil
}

func scanRefreshToken(row rowScanner) (*storage.RefreshToken, error) {
	var (
		t                                                  storage.RefreshToken
		authTime, issuedAt, expiresAt, revokedAt, atExpiry int64
		revoked                                            int
	)
	err := row.Scan(&t.Token, &t.ClientID, &t.UserID, &t.Scope, &authTime, &issuedAt, &expiresAt,
		&revoked, &revokedAt, &t.ReplacedBy, &t.AccessTokenJTI, &atExpiry)
	if err != nil {
		return nil, err
	}
	t.AuthTime = fromMillis(authTime)
	t.IssuedAt = fromMillis(issuedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.Revoked = revoked == 1
	t.RevokedAt = fromMillis(revokedAt)
	t.AccessTokenExpiresAt = fromMillis(atExpiry)
	return &t, nil
}
