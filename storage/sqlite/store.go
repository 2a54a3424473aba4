package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/storage/sqlite/migrations"
)

const (
	migrationTable = "schema_migrations"
	storageType    = "sqlite"
)

// Store implements the relational storage interfaces over a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.ConsentStore      = (*Store)(nil)
	_ storage.CodeStore         = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; conditional updates rely on it instead of
	// upgrading read transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, logger: slog.Default()}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables tracing and metrics for the atomic operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// DeleteExpired removes authorization codes and refresh tokens that expired
// before cutoff. Used codes are kept for as long as their row exists, so
// callers should pass a cutoff somewhat in the past.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := toMillis(cutoff)

	codes, err := s.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	tokens, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at > 0 AND expires_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	n1, _ := codes.RowsAffected()
	n2, _ := tokens.RowsAffected()
	if n1+n2 > 0 {
		s.logger.Debug("Deleted expired grants", "codes", n1, "refresh_tokens", n2)
	}
	return n1 + n2, nil
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil && !isExpectedError(err) {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, storageType, operation, result,
		float64(time.Since(startTime).Milliseconds()))
}

func isExpectedError(err error) bool {
	for _, target := range []error{
		storage.ErrAuthorizationCodeNotFound, storage.ErrAuthorizationCodeExpired, storage.ErrAuthorizationCodeUsed,
		storage.ErrRefreshTokenNotFound, storage.ErrRefreshTokenExpired, storage.ErrRefreshTokenRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ============================================================
// Column Helpers
// ============================================================

// toMillis stores zero times as 0
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// ============================================================
// Migrations
// ============================================================

// applyMigrations executes each embedded .sql file at most once, in name order.
func applyMigrations(db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow(`SELECT 1 FROM `+migrationTable+` WHERE name = ?`, file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(extractUpMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`,
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUpMigration returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func extractUpMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	content = content[upIdx+len(up):]
	if downIdx := strings.Index(content, down); downIdx != -1 {
		content = content[:downIdx]
	}
	return content
}
