package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/token"
)

// tokenIDLogLength is how much of an opaque credential may appear in logs
const tokenIDLogLength = 8

// Stores groups the repositories the server works with. Every field is
// required; a single backend may serve several of them.
type Stores struct {
	Clients       storage.ClientStore
	Users         storage.UserStore
	Codes         storage.CodeStore
	RefreshTokens storage.RefreshTokenStore
	Blacklist     storage.TokenBlacklist
	DeviceCodes   storage.DeviceCodeStore
	Consents      storage.ConsentStore
	Sessions      storage.SessionStore
	Nonces        storage.NonceStore
}

// Backend is a storage implementation serving every repository, such as the
// in-memory store.
type Backend interface {
	storage.ClientStore
	storage.UserStore
	storage.CodeStore
	storage.RefreshTokenStore
	storage.TokenBlacklist
	storage.DeviceCodeStore
	storage.ConsentStore
	storage.SessionStore
	storage.NonceStore
}

// StoresFrom uses b for every repository
func StoresFrom(b Backend) Stores {
	return Stores{
		Clients:       b,
		Users:         b,
		Codes:         b,
		RefreshTokens: b,
		Blacklist:     b,
		DeviceCodes:   b,
		Consents:      b,
		Sessions:      b,
		Nonces:        b,
	}
}

func (s Stores) validate() error {
	for name, store := range map[string]any{
		"client":        s.Clients,
		"user":          s.Users,
		"code":          s.Codes,
		"refresh token": s.RefreshTokens,
		"blacklist":     s.Blacklist,
		"device code":   s.DeviceCodes,
		"consent":       s.Consents,
		"session":       s.Sessions,
		"nonce":         s.Nonces,
	} {
		if store == nil {
			return fmt.Errorf("%s store is required", name)
		}
	}
	return nil
}

// Server implements the grant engine and the token lifecycle.
// It is safe for concurrent use; all shared state lives in the stores.
type Server struct {
	stores Stores
	issuer *token.Issuer

	Consents *ConsentManager
	Sessions *SessionManager

	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // throttles security event logging
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a new OAuth server
func New(stores Stores, issuer *token.Issuer, config *Config, logger *slog.Logger) (*Server, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateHTTPSEnforcement(config, logger); err != nil {
		return nil, err
	}
	if issuer.IssuerURL() != config.Issuer {
		return nil, fmt.Errorf("token issuer %q does not match configured issuer %q", issuer.IssuerURL(), config.Issuer)
	}

	return &Server{
		stores:   stores,
		issuer:   issuer,
		Consents: NewConsentManager(stores.Consents, config.Clock),
		Sessions: NewSessionManager(stores.Sessions, config.SessionTTL, config.SessionIdleTimeout, config.Clock),
		Config:   config,
		Logger:   logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation enables tracing and metrics for grant processing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// Instrumentation returns the instrumentation set with SetInstrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Issuer returns the token issuer used by the server
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// Stores returns the repositories the server was built with
func (s *Server) Stores() Stores {
	return s.stores
}

func (s *Server) now() time.Time {
	return s.Config.Clock()
}

// expired applies the configured clock skew leeway
func (s *Server) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(expiresAt, s.now(), s.Config.ClockSkewGracePeriod)
}

func (s *Server) logger(ctx context.Context) *slog.Logger {
	return security.LoggerWithRequestID(ctx, s.Logger)
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// finishSpan records the outcome of an operation on its span
func finishSpan(span trace.Span, err error) {
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}
	if oauthErr := AsError(err); oauthErr != nil {
		instrumentation.SetSpanOAuthError(span, oauthErr.Code, oauthErr.Description)
		return
	}
	instrumentation.RecordError(span, err)
}

// internalError logs an unexpected failure with the request ID and hides
// its details from the client.
func (s *Server) internalError(ctx context.Context, msg string, err error) *Error {
	s.logger(ctx).Error(msg, "error", err)
	return ErrServerError("internal server error")
}

// allowSecurityEventLog reports whether a security event for key may be logged
func (s *Server) allowSecurityEventLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded string with 256 bits of entropy.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

type clientIPContextKey struct{}

// WithClientIP attaches the caller's address for audit logging
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

func clientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
