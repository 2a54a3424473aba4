package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oidc-authz/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

const clientColumns = `client_id, client_name, client_type, token_endpoint_auth_method,
    grant_types, response_types, redirect_uris, default_redirect_uri, scopes, default_scopes,
    require_pkce, access_token_ttl_ms, refresh_token_ttl_ms, id_token_ttl_ms, active, created_at`

// SaveClient creates or replaces a client registration and its secrets
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || strings.TrimSpace(client.ClientID) == "" {
		return fmt.Errorf("invalid client")
	}

	lists := make([]string, 0, 5)
	for _, values := range [][]string{
		client.GrantTypes, client.ResponseTypes, client.RedirectURIs, client.Scopes, client.DefaultScopes,
	} {
		encoded, err := encodeList(values)
		if err != nil {
			return fmt.Errorf("encode client: %w", err)
		}
		lists = append(lists, encoded)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save client: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO clients (`+clientColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(client_id) DO UPDATE SET
    client_name = excluded.client_name,
    client_type = excluded.client_type,
    token_endpoint_auth_method = excluded.token_endpoint_auth_method,
    grant_types = excluded.grant_types,
    response_types = excluded.response_types,
    redirect_uris = excluded.redirect_uris,
    default_redirect_uri = excluded.default_redirect_uri,
    scopes = excluded.scopes,
    default_scopes = excluded.default_scopes,
    require_pkce = excluded.require_pkce,
    access_token_ttl_ms = excluded.access_token_ttl_ms,
    refresh_token_ttl_ms = excluded.refresh_token_ttl_ms,
    id_token_ttl_ms = excluded.id_token_ttl_ms,
    active = excluded.active,
    created_at = excluded.created_at`,
		client.ClientID, client.ClientName, client.ClientType, client.TokenEndpointAuthMethod,
		lists[0], lists[1], lists[2], client.DefaultRedirectURI, lists[3], lists[4],
		boolToInt(client.RequirePKCE),
		client.AccessTokenTTL.Milliseconds(), client.RefreshTokenTTL.Milliseconds(), client.IDTokenTTL.Milliseconds(),
		boolToInt(client.Active), toMillis(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM client_secrets WHERE client_id = ?`, client.ClientID); err != nil {
		return fmt.Errorf("replace client secrets: %w", err)
	}
	for i, secret := range client.Secrets {
		_, err := tx.ExecContext(ctx, `
INSERT INTO client_secrets (client_id, secret_id, hash, description, position, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			client.ClientID, secret.ID, secret.Hash, secret.Description, i,
			toMillis(secret.CreatedAt), toMillis(secret.ExpiresAt))
		if err != nil {
			return fmt.Errorf("save client secret: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save client: %w", err)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	if err := s.loadSecrets(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// ListClients lists all registered clients sorted by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	// The pool holds one connection; rows must be closed before the next query
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	for _, client := range clients {
		if err := s.loadSecrets(ctx, client); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// DeleteClient removes a client registration together with its secrets
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

func (s *Store) loadSecrets(ctx context.Context, client *storage.Client) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT secret_id, hash, description, created_at, expires_at
FROM client_secrets WHERE client_id = ? ORDER BY position`, client.ClientID)
	if err != nil {
		return fmt.Errorf("load client secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			secret               storage.ClientSecret
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&secret.ID, &secret.Hash, &secret.Description, &createdAt, &expiresAt); err != nil {
			return fmt.Errorf("scan client secret: %w", err)
		}
		secret.CreatedAt = fromMillis(createdAt)
		secret.ExpiresAt = fromMillis(expiresAt)
		client.Secrets = append(client.Secrets, secret)
	}
	return rows.Err()
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                                       storage.Client
		grantTypes, responseTypes, redirectURIs string
		scopes, defaultScopes                   string
		requirePKCE, active                     int
		accessTTL, refreshTTL, idTTL, createdAt int64
	)
	err := row.Scan(&c.ClientID, &c.ClientName, &c.ClientType, &c.TokenEndpointAuthMethod,
		&grantTypes, &responseTypes, &redirectURIs, &c.DefaultRedirectURI, &scopes, &defaultScopes,
		&requirePKCE, &accessTTL, &refreshTTL, &idTTL, &active, &createdAt)
	if err != nil {
		return nil, err
	}

	for _, field := range []struct {
		dst *[]string
		src string
	}{
		{&c.GrantTypes, grantTypes},
		{&c.ResponseTypes, responseTypes},
		{&c.RedirectURIs, redirectURIs},
		{&c.Scopes, scopes},
		{&c.DefaultScopes, defaultScopes},
	} {
		values, err := decodeList(field.src)
		if err != nil {
			return nil, fmt.Errorf("decode client %s: %w", c.ClientID, err)
		}
		*field.dst = values
	}

	c.RequirePKCE = requirePKCE == 1
	c.Active = active == 1
	c.AccessTokenTTL = time.Duration(accessTTL) * time.Millisecond
	c.RefreshTokenTTL = time.Duration(refreshTTL) * time.Millisecond
	c.IDTokenTTL = time.Duration(idTTL) * time.Millisecond
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// ============================================================
// UserStore Implementation
// ============================================================

const userColumns = `id, username, password_hash, email, email_verified, name, active, created_at`

// SaveUser creates or replaces a user. Usernames are unique.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("invalid user")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    username = excluded.username,
    password_hash = excluded.password_hash,
    email = excluded.email,
    email_verified = excluded.email_verified,
    name = excluded.name,
    active = excluded.active`,
		user.ID, user.Username, user.PasswordHash, user.Email, boolToInt(user.EmailVerified),
		user.Name, boolToInt(user.Active), toMillis(user.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("username %q already taken", user.Username)
		}
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
}

// GetUserByUsername retrieves a user by login name
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*storage.User, error) {
	var (
		u                     storage.User
		emailVerified, active int
		createdAt             int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email,
		&emailVerified, &u.Name, &active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.EmailVerified = emailVerified == 1
	u.Active = active == 1
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns the consent of a user for a client
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (*storage.Consent, error) {
	consent, err := getConsent(ctx, s.db, userID, clientID)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		return nil, storage.ErrConsentNotFound
	}
	return consent, nil
}

// MergeConsent unions scopes into the (user, client) consent in one transaction
func (s *Store) MergeConsent(ctx context.Context, userID, clientID string, scopes []string, grantedAt time.Time) (*storage.Consent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge consent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	consent, err := getConsent(ctx, tx, userID, clientID)
	if err != nil {
		return nil, err
	}
	if consent == nil {
		consent = &storage.Consent{UserID: userID, ClientID: clientID, GrantedAt: grantedAt}
	}
	for _, scope := range scopes {
		if !slices.Contains(consent.Scopes, scope) {
			consent.Scopes = append(consent.Scopes, scope)
		}
	}
	consent.UpdatedAt = grantedAt

	encoded, err := encodeList(consent.Scopes)
	if err != nil {
		return nil, fmt.Errorf("encode consent: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO consents (user_id, client_id, scopes, granted_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id, client_id) DO UPDATE SET
    scopes = excluded.scopes,
    updated_at = excluded.updated_at`,
		userID, clientID, encoded, toMillis(consent.GrantedAt), toMillis(consent.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("save consent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge consent: %w", err)
	}
	return consent, nil
}

// RevokeConsent removes the consent of a user for a client
func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM consents WHERE user_id = ? AND client_id = ?`, userID, clientID)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getConsent returns nil, nil when there is no consent
func getConsent(ctx context.Context, q queryRower, userID, clientID string) (*storage.Consent, error) {
	var (
		scopes               string
		grantedAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
SELECT scopes, granted_at, updated_at FROM consents WHERE user_id = ? AND client_id = ?`,
		userID, clientID).Scan(&scopes, &grantedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get consent: %w", err)
	}

	list, err := decodeList(scopes)
	if err != nil {
		return nil, fmt.Errorf("decode consent: %w", err)
	}
	return &storage.Consent{
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    list,
		GrantedAt: fromMillis(grantedAt),
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}
