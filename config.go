package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/server"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv
const EnvPrefix = "OIDC_"

// Storage backends accepted by StorageConfig.Backend
const (
	// StorageMemory keeps all state in process. State is lost on restart.
	StorageMemory = "memory"

	// StorageSQLite keeps clients, users, consents, codes and refresh tokens
	// in SQLite; sessions, nonces, device codes and the blacklist stay in memory.
	StorageSQLite = "sqlite"

	// StorageValkey keeps clients, users and consents in SQLite and all
	// expiring state in Valkey, so several replicas can share it.
	StorageValkey = "valkey"
)

// Config is the deployment configuration of an authorization server,
// loaded from the environment.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string `env:"ISSUER,required"`

	// ListenAddr is where the HTTP server listens
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	AuthorizationCodeTTL time.Duration `env:"CODE_TTL" envDefault:"10m"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	IDTokenTTL           time.Duration `env:"ID_TOKEN_TTL" envDefault:"1h"`
	DeviceCodeTTL        time.Duration `env:"DEVICE_CODE_TTL" envDefault:"10m"`
	DeviceCodeInterval   time.Duration `env:"DEVICE_CODE_INTERVAL" envDefault:"5s"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"8h"`
	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`

	// SupportedScopes lists the scopes clients may be registered for
	SupportedScopes []string `env:"SUPPORTED_SCOPES" envSeparator:"," envDefault:"openid,profile,email,offline_access"`

	// AllowedCustomSchemes lists regex patterns for native app redirect schemes
	AllowedCustomSchemes []string `env:"ALLOWED_CUSTOM_SCHEMES" envSeparator:","`

	Security  SecurityConfig  `envPrefix:"SECURITY_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Storage   StorageConfig   `envPrefix:"STORAGE_"`
	Keys      KeysConfig      `envPrefix:"KEYS_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// DisableRefreshTokenRotation disables refresh token rotation.
	// WARNING: Violates OAuth 2.1. Stolen tokens remain valid until they expire.
	DisableRefreshTokenRotation bool `env:"DISABLE_REFRESH_TOKEN_ROTATION"`

	// DisablePKCEForConfidentialClients lets confidential clients skip PKCE.
	// Public clients always need it.
	DisablePKCEForConfidentialClients bool `env:"DISABLE_PKCE_FOR_CONFIDENTIAL_CLIENTS"`

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	AllowPKCEPlain bool `env:"ALLOW_PKCE_PLAIN"`

	// AllowInsecureHTTP allows a plain HTTP issuer outside localhost
	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP"`

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy        bool `env:"TRUST_PROXY"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"1"`

	// AllowPublicClientRegistration permits unauthenticated client registration.
	// WARNING: Can enable DoS via mass registration.
	AllowPublicClientRegistration bool `env:"ALLOW_PUBLIC_CLIENT_REGISTRATION"`

	// RegistrationAccessToken is required for client registration when
	// AllowPublicClientRegistration is false. Empty disables registration.
	RegistrationAccessToken string `env:"REGISTRATION_ACCESS_TOKEN"`

	// EnableAuditLogging enables security audit logging (sensitive data hashed)
	EnableAuditLogging bool `env:"ENABLE_AUDIT_LOGGING" envDefault:"true"`
}

// RateLimitConfig holds per-IP rate limiting of the token, device,
// introspection, revocation and login endpoints.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64 `env:"RATE" envDefault:"10"`

	// Burst is the maximum burst size allowed per IP
	Burst int `env:"BURST" envDefault:"20"`

	// MaxEntries caps the number of tracked IPs
	MaxEntries int `env:"MAX_ENTRIES" envDefault:"10000"`

	// SecurityEventRate throttles repeated security events per key, per second
	SecurityEventRate float64 `env:"SECURITY_EVENT_RATE" envDefault:"0.2"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	// Backend is one of "memory", "sqlite" or "valkey"
	Backend string `env:"BACKEND" envDefault:"memory"`

	// SQLitePath is the database file for the sqlite and valkey backends
	SQLitePath string `env:"SQLITE_PATH"`

	ValkeyAddress      string `env:"VALKEY_ADDRESS"`
	ValkeyPassword     string `env:"VALKEY_PASSWORD"`
	ValkeyDB           int    `env:"VALKEY_DB"`
	ValkeyKeyPrefix    string `env:"VALKEY_KEY_PREFIX"`
	ValkeyTLS          bool   `env:"VALKEY_TLS"`
	ValkeyDisableCache bool   `env:"VALKEY_DISABLE_CACHE"`

	// ValkeyClients keeps registered clients in Valkey instead of SQLite, so
	// replicas without a shared database file see the same registrations
	ValkeyClients bool `env:"VALKEY_CLIENTS"`
}

// KeysConfig configures the signing keys
type KeysConfig struct {
	// File persists the keys. Empty keeps them in memory, so every restart
	// invalidates all issued tokens.
	File string `env:"FILE"`

	// EncryptionKey is a base64 AES-256 key encrypting File at rest
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Bits is the RSA modulus size of generated keys
	Bits int `env:"BITS" envDefault:"2048"`

	// RetiredKeyTTL is how long a rotated-out key keeps verifying tokens.
	// Zero uses the longest token lifetime.
	RetiredKeyTTL time.Duration `env:"RETIRED_KEY_TTL"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	// MetricsExporter is "prometheus" or "none"
	MetricsExporter string `env:"METRICS_EXPORTER" envDefault:"none"`

	// TracesExporter is "stdout" or "none"
	TracesExporter string `env:"TRACES_EXPORTER" envDefault:"none"`

	ServiceVersion string `env:"SERVICE_VERSION"`

	// LogClientIPs attaches client IPs to spans
	LogClientIPs bool `env:"LOG_CLIENT_IPS"`
}

// LoadConfigFromEnv reads the configuration from OIDC_* environment variables
func LoadConfigFromEnv() (*Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix})
}

func loadConfig(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("issuer is required")
	}

	switch c.Storage.Backend {
	case StorageMemory, "":
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	case StorageValkey:
		if c.Storage.ValkeyAddress == "" {
			return fmt.Errorf("valkey storage requires an address")
		}
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("valkey storage requires a sqlite database path for users and consents")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Keys.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Keys.EncryptionKey); err != nil {
			return fmt.Errorf("invalid key encryption key: %w", err)
		}
		if c.Keys.File == "" {
			return fmt.Errorf("a key encryption key needs a key file")
		}
	}

	switch c.Telemetry.MetricsExporter {
	case "", instrumentation.ExporterNone, instrumentation.ExporterPrometheus:
	default:
		return fmt.Errorf("unknown metrics exporter %q", c.Telemetry.MetricsExporter)
	}
	switch c.Telemetry.TracesExporter {
	case "", instrumentation.ExporterNone, instrumentation.ExporterStdout:
	default:
		return fmt.Errorf("unknown traces exporter %q", c.Telemetry.TracesExporter)
	}
	return nil
}

// ServerConfig converts the deployment configuration into the engine's
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                        c.Issuer,
		AuthorizationCodeTTL:          c.AuthorizationCodeTTL,
		AccessTokenTTL:                c.AccessTokenTTL,
		RefreshTokenTTL:               c.RefreshTokenTTL,
		IDTokenTTL:                    c.IDTokenTTL,
		DeviceCodeTTL:                 c.DeviceCodeTTL,
		DeviceCodeInterval:            c.DeviceCodeInterval,
		SessionTTL:                    c.SessionTTL,
		SessionIdleTimeout:            c.SessionIdleTimeout,
		AllowRefreshTokenRotation:     !c.Security.DisableRefreshTokenRotation,
		RequirePKCE:                   !c.Security.DisablePKCEForConfidentialClients,
		AllowPKCEPlain:                c.Security.AllowPKCEPlain,
		AllowInsecureHTTP:             c.Security.AllowInsecureHTTP,
		TrustProxy:                    c.Security.TrustProxy,
		TrustedProxyCount:             c.Security.TrustedProxyCount,
		SupportedScopes:               c.SupportedScopes,
		AllowPublicClientRegistration: c.Security.AllowPublicClientRegistration,
		RegistrationAccessToken:       c.Security.RegistrationAccessToken,
		AllowedCustomSchemes:          c.AllowedCustomSchemes,
	}
}

// retiredKeyTTL defaults to the longest token lifetime, so rotating keys
// never invalidates a token before it expires on its own.
func (c *Config) retiredKeyTTL() time.Duration {
	if c.Keys.RetiredKeyTTL > 0 {
		return c.Keys.RetiredKeyTTL
	}
	return max(c.AccessTokenTTL, c.IDTokenTTL)
}

// instrumentationConfig enables OpenTelemetry when an exporter is selected
func (c *Config) instrumentationConfig() instrumentation.Config {
	metrics := c.Telemetry.MetricsExporter
	traces := c.Telemetry.TracesExporter
	enabled := (metrics != "" && metrics != instrumentation.ExporterNone) ||
		(traces != "" && traces != instrumentation.ExporterNone)

	return instrumentation.Config{
		ServiceVersion:  c.Telemetry.ServiceVersion,
		Enabled:         enabled,
		MetricsExporter: metrics,
		TracesExporter:  traces,
		LogClientIPs:    c.Telemetry.LogClientIPs,
	}
}
