package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-authz/instrumentation"
	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/server"
	"github.com/giantswarm/oidc-authz/storage"
	"github.com/giantswarm/oidc-authz/token"
)

// Endpoint paths, relative to the issuer
const (
	AuthorizePath                   = "/oauth2/authorize"
	TokenPath                       = "/oauth2/token"
	IntrospectPath                  = "/oauth2/introspect"
	RevokePath                      = "/oauth2/revoke"
	DeviceAuthorizationPath         = "/oauth2/device_authorization"
	DevicePath                      = "/oauth2/device"
	DeviceVerifyPath                = "/oauth2/device/verify"
	LoginPath                       = "/oauth2/login"
	ConsentPath                     = "/oauth2/consent"
	LogoutPath                      = "/oauth2/logout"
	UserInfoPath                    = "/oauth2/userinfo"
	RegisterPath                    = "/oauth2/register"
	OpenIDConfigurationPath         = "/.well-known/openid-configuration"
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	JWKSPath                        = "/.well-known/jwks.json"
)

const (
	tokenTypeBearer = "Bearer"

	// metadataMaxAge is how long discovery documents and the JWKS may be cached
	metadataMaxAge = time.Hour

	// maxRegistrationBody bounds a client registration request
	maxRegistrationBody = 64 << 10
)

// KeySource publishes the public signing keys. keys.Manager implements it.
type KeySource interface {
	PublicJWKS() jose.JSONWebKeySet
}

// Handler is a thin HTTP adapter for the OAuth server.
// It parses requests and delegates to the server for business logic.
type Handler struct {
	server *server.Server
	keys   KeySource
	logger *slog.Logger
	tracer trace.Tracer
	ips    security.ClientIPResolver

	// rateLimiter guards the credential-checking endpoints per client IP
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, keys KeySource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		keys:   keys,
		logger: logger,
		ips: security.ClientIPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}
	return h
}

// SetRateLimiter sets the per-IP limiter for the token, device, introspection,
// revocation, registration and login endpoints.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// Routes returns every endpoint on a ServeMux, wrapped with request ID and
// client IP resolution.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return h.Wrap(mux)
}

// Wrap adds request IDs and client IP resolution to next. Use it when the
// endpoints share a mux with other routes.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return security.RequestIDMiddleware(h.withClientIP(next))
}

// Register adds the endpoints to mux
func (h *Handler) Register(mux *http.ServeMux) {
	routes := []struct {
		path     string
		endpoint string
		fn       http.HandlerFunc
	}{
		{AuthorizePath, "authorize", h.ServeAuthorization},
		{TokenPath, "token", h.ServeToken},
		{IntrospectPath, "introspect", h.ServeIntrospection},
		{RevokePath, "revoke", h.ServeRevocation},
		{DeviceAuthorizationPath, "device_authorization", h.ServeDeviceAuthorization},
		{DevicePath, "device", h.ServeDeviceVerification},
		{DeviceVerifyPath, "device_verify", h.ServeDeviceDecision},
		{LoginPath, "login", h.ServeLogin},
		{ConsentPath, "consent", h.ServeConsent},
		{LogoutPath, "logout", h.ServeLogout},
		{UserInfoPath, "userinfo", h.ServeUserInfo},
		{RegisterPath, "register", h.ServeClientRegistration},
		{OpenIDConfigurationPath, "openid_configuration", h.ServeDiscovery},
		{AuthorizationServerMetadataPath, "authorization_server_metadata", h.ServeDiscovery},
		{JWKSPath, "jwks", h.ServeJWKS},
	}
	for _, rt := range routes {
		mux.Handle(rt.path, h.instrument(rt.endpoint, rt.fn))
	}
}

// withClientIP resolves the caller's address once and attaches it for audit logs
func (h *Handler) withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := server.WithClientIP(r.Context(), h.ips.Resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument wraps an endpoint with a span and HTTP metrics
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := r.Context()
		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "oauth.http."+endpoint)
			defer span.End()
		}

		next(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		h.server.Instrumentation().Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status,
			float64(time.Since(startTime).Microseconds())/1000)
	})
}

func (h *Handler) log(ctx context.Context) *slog.Logger {
	return security.LoggerWithRequestID(ctx, h.logger)
}

// checkRateLimit rejects the request with 429 when the caller's IP is over
// its limit. Returns true if the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.rateLimiter == nil {
		return false
	}
	clientIP := h.ips.Resolve(r)
	if h.rateLimiter.Allow(endpoint + ":" + clientIP) {
		return false
	}

	h.log(r.Context()).Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// endpointURL returns the absolute URL of an endpoint path
func (h *Handler) endpointURL(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + path
}

// ==================== Token Endpoint ====================

// ServeToken handles token requests for every supported grant type
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "token") {
		return
	}

	form, err := parsePostForm(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	grant, err := parseGrant(form)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	resp, err := h.server.Token(r.Context(), clientCredentials(r, form), grant)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// parseGrant maps the token request parameters onto a grant
func parseGrant(form url.Values) (server.Grant, error) {
	switch grantType := form.Get("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		return &server.AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}, nil
	case server.GrantTypeClientCredentials:
		return &server.ClientCredentialsGrant{Scope: form.Get("scope")}, nil
	case server.GrantTypeRefreshToken:
		return &server.RefreshTokenGrant{
			RefreshToken: form.Get("refresh_token"),
			Scope:        form.Get("scope"),
		}, nil
	case server.GrantTypeDeviceCode:
		return &server.DeviceCodeGrant{DeviceCode: form.Get("device_code")}, nil
	case "":
		return nil, server.ErrInvalidRequest("grant_type is required")
	default:
		return nil, server.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", util.SafeTruncate(grantType, 64)))
	}
}

// parsePostForm reads an application/x-www-form-urlencoded body. Parameters
// sent more than once are rejected (RFC 6749 section 3.2).
func parsePostForm(r *http.Request) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return nil, server.ErrInvalidRequest("failed to parse request body")
	}
	for key, values := range r.PostForm {
		if len(values) > 1 {
			return nil, server.ErrInvalidRequest("parameter " + key + " is repeated")
		}
	}
	return r.PostForm, nil
}

// clientCredentials extracts the credentials a client presented.
// Basic credentials are form-urlencoded first (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request, form url.Values) server.ClientCredentials {
	id, secret, ok := r.BasicAuth()
	if ok {
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
	}
	return server.ResolveClientCredentials(id, secret, ok, form.Get("client_id"), form.Get("client_secret"))
}

// ==================== Introspection and Revocation ====================

// ServeIntrospection handles RFC 7662 token introspection
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "introspect") {
		return
	}

	form, err := parsePostForm(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	resp, err := h.server.Introspect(r.Context(), clientCredentials(r, form), form.Get("token"), form.Get("token_type_hint"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles RFC 7009 token revocation. Unknown tokens still
// get 200.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "revoke") {
		return
	}

	form, err := parsePostForm(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	if err := h.server.Revoke(r.Context(), clientCredentials(r, form), form.Get("token"), form.Get("token_type_hint")); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ==================== Device Authorization ====================

// ServeDeviceAuthorization handles RFC 8628 device authorization requests
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "device_authorization") {
		return
	}

	form, err := parsePostForm(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	resp, err := h.server.StartDeviceAuthorization(r.Context(), clientCredentials(r, form), form.Get("scope"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ==================== UserInfo ====================

// ServeUserInfo returns the claims of the user an access token was issued for
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}

	claims, err := h.server.UserInfo(r.Context(), accessToken)
	if err != nil {
		h.writeBearerError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, claims)
}

// ==================== Client Registration ====================

// ServeClientRegistration handles RFC 7591 dynamic client registration
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.checkRateLimit(w, r, "register") {
		return
	}

	if !h.isRegistrationAvailable() {
		h.writeError(w, ErrorCodeAccessDenied, "Client registration is disabled", http.StatusForbidden)
		return
	}
	if !h.server.Config.AllowPublicClientRegistration && !h.validRegistrationToken(r) {
		h.log(r.Context()).Warn("Client registration rejected: invalid registration token",
			"ip", h.ips.Resolve(r))
		h.writeBearerError(w, r, server.ErrInvalidToken("a valid registration access token is required"), "")
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBody)).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Invalid JSON request body", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), server.ClientRegistration{
		ClientName:              req.ClientName,
		ClientType:              req.ClientType,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		GrantTypes:              req.GrantTypes,
		RedirectURIs:            req.RedirectURIs,
		Scopes:                  util.ParseScope(req.Scope),
		DefaultScopes:           util.ParseScope(req.DefaultScope),
	})
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, registrationResponse(client, secret))
}

// isRegistrationAvailable checks if client registration is available.
func (h *Handler) isRegistrationAvailable() bool {
	return h.server.Config.AllowPublicClientRegistration || h.server.Config.RegistrationAccessToken != ""
}

// validRegistrationToken compares the bearer token in constant time
func (h *Handler) validRegistrationToken(r *http.Request) bool {
	expected := h.server.Config.RegistrationAccessToken
	presented, ok := bearerToken(r)
	if expected == "" || !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func registrationResponse(client *storage.Client, secret string) ClientRegistrationResponse {
	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   util.FormatScope(client.Scopes),
		ClientType:              client.ClientType,
	}
	if secret != "" && len(client.Secrets) > 0 && !client.Secrets[0].ExpiresAt.IsZero() {
		resp.ClientSecretExpiresAt = client.Secrets[0].ExpiresAt.Unix()
	}
	return resp
}

// ==================== Discovery ====================

// ServeDiscovery serves OpenID Connect Discovery 1.0 and RFC 8414
// Authorization Server Metadata. Both documents are identical.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetMetadataHeaders(w, h.server.Config.Issuer, metadataMaxAge)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.providerMetadata())
}

func (h *Handler) providerMetadata() ProviderMetadata {
	cfg := h.server.Config
	authMethods := []string{storage.AuthMethodSecretBasic, storage.AuthMethodSecretPost}

	challengeMethods := []string{security.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, security.PKCEMethodPlain)
	}

	metadata := ProviderMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             h.endpointURL(AuthorizePath),
		TokenEndpoint:                     h.endpointURL(TokenPath),
		JWKSURI:                           h.endpointURL(JWKSPath),
		UserInfoEndpoint:                  h.endpointURL(UserInfoPath),
		RevocationEndpoint:                h.endpointURL(RevokePath),
		IntrospectionEndpoint:             h.endpointURL(IntrospectPath),
		DeviceAuthorizationEndpoint:       h.endpointURL(DeviceAuthorizationPath),
		EndSessionEndpoint:                h.endpointURL(LogoutPath),
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               server.SupportedGrantTypes,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: append([]string{storage.AuthMethodNone}, authMethods...),
		IntrospectionEndpointAuthMethodsSupported: authMethods,
		RevocationEndpointAuthMethodsSupported:    append([]string{storage.AuthMethodNone}, authMethods...),
		CodeChallengeMethodsSupported:             challengeMethods,
		ClaimsSupported: []string{
			"iss", "sub", "aud", "exp", "iat", "auth_time", "nonce", "at_hash",
			"name", "preferred_username", "email", "email_verified",
		},
		PromptValuesSupported: []string{
			server.PromptNone, server.PromptLogin, server.PromptConsent, server.PromptSelectAccount,
		},
		AuthorizationResponseIssParameterSupported: true,
	}
	if h.isRegistrationAvailable() {
		metadata.RegistrationEndpoint = h.endpointURL(RegisterPath)
	}
	return metadata
}

// ServeJWKS publishes the public keys that verify issued tokens
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetMetadataHeaders(w, h.server.Config.Issuer, metadataMaxAge)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.keys.PublicJWKS())
}

// ==================== Resource Server Middleware ====================

type contextKey string

const claimsKey contextKey = "token_claims"

// ClaimsFromContext returns the access token claims stored by ValidateToken
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}

// ContextWithClaims stores access token claims in the context
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ValidateToken is middleware that validates bearer access tokens for
// protected resources: signature, issuer, expiry and revocation.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.checkRateLimit(w, r, "resource") {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			h.log(r.Context()).Warn("Token validation failed", "ip", h.ips.Resolve(r), "error", err)
			h.writeBearerError(w, r, err, "")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// RequireScopes is middleware, used after ValidateToken, that rejects tokens
// missing any of the scopes with 403 insufficient_scope.
func (h *Handler) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				h.writeBearerError(w, r, server.ErrInvalidToken("missing access token"), "")
				return
			}
			granted := util.ParseScope(claims.Scope)
			for _, s := range scopes {
				if !containsString(granted, s) {
					h.writeBearerError(w, r,
						server.ErrInsufficientScope("the access token lacks required scopes"),
						util.FormatScope(scopes))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// bearerToken reads an RFC 6750 Authorization: Bearer header
func bearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Header.Get("Authorization") == "" {
		h.writeBearerError(w, r, nil, "")
		return "", false
	}
	accessToken, ok := bearerToken(r)
	if !ok {
		h.writeBearerError(w, r, server.ErrInvalidRequest("invalid Authorization header format"), "")
		return "", false
	}
	return accessToken, true
}

// ==================== Response Writers ====================

// writeJSON writes a token-bearing JSON response that must not be cached
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeOAuthError renders err as an OAuth error response. Errors that are
// not OAuth errors are logged and reported as server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := server.AsError(err)
	if oauthErr == nil {
		h.log(r.Context()).Error("Unexpected error", "path", r.URL.Path, "error", err)
		oauthErr = server.ErrServerError("internal server error")
	}

	// RFC 6749 section 5.2: a failed Basic authentication answers 401 with
	// a challenge for the scheme the client used.
	if oauthErr.Code == ErrorCodeInvalidClient {
		if _, _, ok := r.BasicAuth(); ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+h.server.Config.Issuer+`"`)
		}
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

// writeError writes an OAuth error response
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeBearerError writes an RFC 6750 section 3 error with a WWW-Authenticate
// challenge. A nil err means no credentials were sent, which gets a bare
// challenge and no error code.
func (h *Handler) writeBearerError(w http.ResponseWriter, r *http.Request, err error, scope string) {
	if err == nil {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", "", ""))
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return
	}

	oauthErr := server.AsError(err)
	if oauthErr == nil {
		h.log(r.Context()).Error("Unexpected error", "path", r.URL.Path, "error", err)
		h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scope, oauthErr.Code, oauthErr.Description))
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

// formatWWWAuthenticate builds a Bearer challenge
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf("realm=%q", h.server.Config.Issuer)}
	if errCode != "" {
		params = append(params, fmt.Sprintf("error=%q", errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf("error_description=%q", errorDesc))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf("scope=%q", scope))
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}
