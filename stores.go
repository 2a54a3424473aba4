package oauth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/server"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/storage/memory"
	"github.com/giantswarm/oidc-authz/storage/sqlite"
	"github.com/giantswarm/oidc-authz/storage/valkey"
)

// Backends are the opened storage backends behind a server.Stores.
// Close releases all of them.
type Backends struct {
	Stores server.Stores

	Memory *memory.Store
	SQLite *sqlite.Store
	Valkey *valkey.Store
}

// OpenBackends opens the storage selected by cfg and maps every repository
// onto it.
func OpenBackends(cfg StorageConfig, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backends{}
	switch cfg.Backend {
	case StorageMemory, "":
		b.Memory = memory.New()
		b.Memory.SetLogger(logger)
		b.Stores = server.StoresFrom(b.Memory)

	case StorageSQLite:
		db, err := openSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		b.SQLite = db
		b.Memory = memory.New()
		b.Memory.SetLogger(logger)
		b.Stores = server.Stores{
			Clients:       db,
			Users:         db,
			Consents:      db,
			Codes:         db,
			RefreshTokens: db,
			Blacklist:     b.Memory,
			DeviceCodes:   b.Memory,
			Sessions:      b.Memory,
			Nonces:        b.Memory,
		}

	case StorageValkey:
		db, err := openSQLite(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		vcfg := valkey.Config{
			Address:      cfg.ValkeyAddress,
			Password:     cfg.ValkeyPassword,
			DB:           cfg.ValkeyDB,
			KeyPrefix:    cfg.ValkeyKeyPrefix,
			DisableCache: cfg.ValkeyDisableCache,
			Logger:       logger,
		}
		if cfg.ValkeyTLS {
			vcfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		kv, err := valkey.New(vcfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.SQLite = db
		b.Valkey = kv
		var clients storage.ClientStore = db
		if cfg.ValkeyClients {
			clients = kv
		}
		b.Stores = server.Stores{
			Clients:       clients,
			Users:         db,
			Consents:      db,
			Codes:         kv,
			RefreshTokens: kv,
			Blacklist:     kv,
			DeviceCodes:   kv,
			Sessions:      kv,
			Nonces:        kv,
		}

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return b, nil
}

func openSQLite(path string, logger *slog.Logger) (*sqlite.Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
	}
	db.SetLogger(logger)
	return db, nil
}

// SetInstrumentation enables storage tracing and metrics on every backend
func (b *Backends) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if b.Memory != nil {
		b.Memory.SetInstrumentation(inst)
	}
	if b.SQLite != nil {
		b.SQLite.SetInstrumentation(inst)
	}
	if b.Valkey != nil {
		b.Valkey.SetInstrumentation(inst)
	}
}

// Close releases every backend
func (b *Backends) Close() error {
	var errs []error
	if b.Memory != nil {
		b.Memory.Stop()
	}
	if b.Valkey != nil {
		b.Valkey.Close()
	}
	if b.SQLite != nil {
		errs = append(errs, b.SQLite.Close())
	}
	return errors.Join(errs...)
}
