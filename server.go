// Package oauth assembles an OpenID Connect authorization server and serves
// it over HTTP.
//
// The grant engine lives in the server package; this package loads the
// deployment configuration, opens storage and signing keys, and exposes the
// protocol endpoints through Handler.
//
//	cfg, err := oauth.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := oauth.NewServer(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close(ctx)
//	http.ListenAndServe(cfg.ListenAddr, srv.Handler.Routes())
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/keys"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/server"
	"github.com/giantswarm/oidc-authz/token"
)

// Server is a fully wired authorization server
type Server struct {
	// Engine processes authorization and token requests
	Engine *server.Server

	// Keys holds the signing keys and serves the JWKS
	Keys *keys.Manager

	// Handler serves the HTTP endpoints
	Handler *Handler

	// Backends are the opened storage backends
	Backends *Backends

	// Instrumentation is nil unless an exporter is configured
	Instrumentation *instrumentation.Instrumentation

	limiters []*security.RateLimiter
	logger   *slog.Logger
}

// NewServer opens storage and keys as configured and wires the engine and
// HTTP handler on top of them.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{logger: logger}
	if err := s.init(ctx, cfg); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context, cfg *Config) error {
	instCfg := cfg.instrumentationConfig()
	if instCfg.Enabled {
		inst, err := instrumentation.New(instCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		s.Instrumentation = inst
	}

	backends, err := OpenBackends(cfg.Storage, s.logger)
	if err != nil {
		return err
	}
	s.Backends = backends
	if s.Instrumentation != nil {
		backends.SetInstrumentation(s.Instrumentation)
	}

	keyStore, err := newKeyStore(cfg.Keys)
	if err != nil {
		return err
	}
	km, err := keys.NewManager(keyStore, keys.Config{
		Bits:            cfg.Keys.Bits,
		RetiredKeyTTL:   cfg.retiredKeyTTL(),
		Logger:          s.logger,
		Instrumentation: s.Instrumentation,
	})
	if err != nil {
		return err
	}
	if err := km.EnsureKeys(ctx); err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	s.Keys = km

	serverCfg := cfg.ServerConfig()
	issuer, err := token.NewIssuer(km, token.Config{
		Issuer:         cfg.Issuer,
		AccessTokenTTL: cfg.AccessTokenTTL,
		IDTokenTTL:     cfg.IDTokenTTL,
	})
	if err != nil {
		return err
	}

	engine, err := server.New(backends.Stores, issuer, serverCfg, s.logger)
	if err != nil {
		return err
	}
	engine.SetAuditor(security.NewAuditor(s.logger, cfg.Security.EnableAuditLogging))
	if cfg.RateLimit.SecurityEventRate > 0 {
		engine.SetSecurityEventRateLimiter(s.newLimiter(cfg.RateLimit.SecurityEventRate, 1, cfg.RateLimit.MaxEntries))
	}
	engine.SetInstrumentation(s.Instrumentation)
	s.Engine = engine

	s.Handler = NewHandler(engine, km, s.logger)
	if cfg.RateLimit.Rate > 0 {
		s.Handler.SetRateLimiter(s.newLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries))
	}
	return nil
}

func newKeyStore(cfg KeysConfig) (keys.Store, error) {
	if cfg.File == "" {
		return keys.NewMemoryStore(), nil
	}
	var enc *security.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		if enc, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	}
	return keys.NewFileStore(cfg.File, enc), nil
}

func (s *Server) newLimiter(rps float64, burst, maxEntries int) *security.RateLimiter {
	rl := security.NewRateLimiterWithConfig(security.RateLimitConfig{
		RequestsPerSecond: rps,
		Burst:             burst,
		MaxEntries:        maxEntries,
	}, s.logger)
	s.limiters = append(s.limiters, rl)
	return rl
}

// Close stops background work and releases storage and exporters
func (s *Server) Close(ctx context.Context) error {
	for _, rl := range s.limiters {
		rl.Stop()
	}
	var errs []error
	if s.Backends != nil {
		errs = append(errs, s.Backends.Close())
	}
	if s.Instrumentation != nil {
		errs = append(errs, s.Instrumentation.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
