package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

// ResponseTypeCode is the only response type the server issues
const ResponseTypeCode = "code"

// OIDC prompt values
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// maxNonceLength bounds the nonce echoed into ID tokens
const maxNonceLength = 512

// AuthorizationRequest holds the raw /authorize query parameters
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
	LoginHint           string
	MaxAge              string
}

// ParseAuthorizationRequest reads the request from query parameters
func ParseAuthorizationRequest(q url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Prompt:              q.Get("prompt"),
		LoginHint:           q.Get("login_hint"),
		MaxAge:              q.Get("max_age"),
	}
}

// Query encodes the request as query parameters. Prompt values listed in
// dropPrompts are removed, which is how the login and consent pages send the
// user back without asking again.
func (r AuthorizationRequest) Query(dropPrompts ...string) url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", r.Scope)
	set("state", r.State)
	set("nonce", r.Nonce)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("login_hint", r.LoginHint)
	set("max_age", r.MaxAge)

	var prompts []string
	for _, p := range strings.Fields(r.Prompt) {
		if !slices.Contains(dropPrompts, p) {
			prompts = append(prompts, p)
		}
	}
	set("prompt", strings.Join(prompts, " "))
	return q
}

// ValidatedAuthorization is an authorization request that passed validation
type ValidatedAuthorization struct {
	Request     AuthorizationRequest
	Client      *storage.Client
	RedirectURI string // effective redirect URI
	Scopes      []string
	Prompts     []string

	// MaxAge is only meaningful when HasMaxAge is set
	MaxAge    time.Duration
	HasMaxAge bool
}

func (v *ValidatedAuthorization) hasPrompt(p string) bool {
	return slices.Contains(v.Prompts, p)
}

// redirectError reports err to the client through its redirect URI
func (s *Server) redirectError(v *ValidatedAuthorization, err *Error) *RedirectError {
	return &RedirectError{
		Err:         err,
		RedirectURI: v.RedirectURI,
		State:       v.Request.State,
		Issuer:      s.Config.Issuer,
	}
}

// ValidateAuthorizationRequest checks an /authorize request.
//
// Until the client and redirect URI are known to be valid, failures are
// returned as *Error and must be rendered to the user, never redirected.
// Later failures are returned as *RedirectError.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*ValidatedAuthorization, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.stores.Clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.logAuthFailure(ctx, "", req.ClientID, "unknown_client")
			return nil, ErrInvalidClient("unknown client")
		}
		return nil, s.internalError(ctx, "Failed to load client", err)
	}
	if !client.Active {
		return nil, ErrInvalidClient("client is disabled")
	}

	redirectURI := req.RedirectURI
	switch {
	case redirectURI != "":
		if !client.HasRedirectURI(redirectURI) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventInvalidRedirect,
					ClientID:  client.ClientID,
					IPAddress: clientIPFrom(ctx),
				})
			}
			return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
		}
	case client.DefaultRedirectURI != "":
		redirectURI = client.DefaultRedirectURI
	case len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	default:
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	v := &ValidatedAuthorization{Request: req, Client: client, RedirectURI: redirectURI}

	// From here on errors go back to the client
	if req.ResponseType != ResponseTypeCode {
		return nil, s.redirectError(v, ErrUnsupportedResponseType("only response_type=code is supported"))
	}
	if !client.HasResponseType(ResponseTypeCode) || !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, s.redirectError(v, ErrUnauthorizedClient("client is not allowed to use the authorization code flow"))
	}

	if len(req.Scope) > s.Config.MaxScopeLength {
		return nil, s.redirectError(v, ErrInvalidScope("scope parameter too long"))
	}
	v.Scopes = util.ParseScope(req.Scope)
	if len(v.Scopes) == 0 {
		v.Scopes = client.DefaultScopes
	}
	if len(v.Scopes) == 0 {
		return nil, s.redirectError(v, ErrInvalidScope("scope is required"))
	}
	if missing := missingScopes(v.Scopes, client.Scopes); len(missing) > 0 {
		return nil, s.redirectError(v, ErrInvalidScope("scope not allowed for client: "+util.FormatScope(missing)))
	}

	if err := s.validateAuthorizationPKCE(client, req); err != nil {
		return nil, s.redirectError(v, err)
	}

	if len(req.Nonce) > maxNonceLength {
		return nil, s.redirectError(v, ErrInvalidRequest("nonce too long"))
	}

	v.Prompts = strings.Fields(req.Prompt)
	for _, p := range v.Prompts {
		switch p {
		case PromptNone, PromptLogin, PromptConsent, PromptSelectAccount:
		default:
			return nil, s.redirectError(v, ErrInvalidRequest("unsupported prompt value: "+p))
		}
	}
	if v.hasPrompt(PromptNone) && len(v.Prompts) > 1 {
		return nil, s.redirectError(v, ErrInvalidRequest("prompt=none cannot be combined with other values"))
	}

	if req.MaxAge != "" {
		seconds, err := strconv.ParseInt(req.MaxAge, 10, 64)
		if err != nil || seconds < 0 {
			return nil, s.redirectError(v, ErrInvalidRequest("max_age must be a non-negative integer"))
		}
		v.MaxAge = time.Duration(seconds) * time.Second
		v.HasMaxAge = true
	}

	return v, nil
}

// validateAuthorizationPKCE enforces the PKCE policy at the authorization
// endpoint. Public clients and clients registered with RequirePKCE always
// need S256.
func (s *Server) validateAuthorizationPKCE(client *storage.Client, req AuthorizationRequest) *Error {
	required := s.Config.RequirePKCE || client.RequirePKCE || client.IsPublic()

	if req.CodeChallenge == "" {
		if required {
			return ErrInvalidRequest("code_challenge is required")
		}
		if req.CodeChallengeMethod != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	switch req.CodeChallengeMethod {
	case security.PKCEMethodS256:
	case security.PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain || client.RequirePKCE || client.IsPublic() {
			return ErrInvalidRequest("code_challenge_method plain is not allowed; use S256")
		}
	case "":
		return ErrInvalidRequest("code_challenge_method is required")
	default:
		return ErrInvalidRequest("unsupported code_challenge_method")
	}

	if !security.ValidChallenge(req.CodeChallenge) {
		return ErrInvalidRequest("malformed code_challenge")
	}
	return nil
}

// AuthorizeOutcome tells the HTTP layer what to do with an authorization request
type AuthorizeOutcome int

const (
	// OutcomeLogin means the user must sign in first
	OutcomeLogin AuthorizeOutcome = iota + 1
	// OutcomeConsent means the user must approve the requested scopes
	OutcomeConsent
	// OutcomeRedirect means a code was issued; redirect to RedirectURL
	OutcomeRedirect
)

// AuthorizeResult is the outcome of Authorize
type AuthorizeResult struct {
	Outcome       AuthorizeOutcome
	Authorization *ValidatedAuthorization
	Session       *storage.Session
	RedirectURL   string   // OutcomeRedirect
	MissingScopes []string // OutcomeConsent
}

// Authorize runs an authorization request against the user's session:
// validation, then login and consent checks (honoring prompt and max_age),
// then code issuance.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, sessionID string) (*AuthorizeResult, error) {
	ctx, span := s.startSpan(ctx, "server.authorize")
	defer span.End()

	result, err := s.authorize(ctx, req, sessionID)
	finishSpan(span, err)

	outcome := "code_issued"
	switch {
	case err != nil:
		outcome = ErrorCodeServerError
		if oauthErr := AsError(err); oauthErr != nil {
			outcome = oauthErr.Code
		}
	case result.Outcome == OutcomeLogin:
		outcome = ErrorCodeLoginRequired
	case result.Outcome == OutcomeConsent:
		outcome = ErrorCodeConsentRequired
	}
	s.metrics().RecordAuthorizeRequest(ctx, req.ClientID, outcome)
	return result, err
}

func (s *Server) authorize(ctx context.Context, req AuthorizationRequest, sessionID string) (*AuthorizeResult, error) {
	v, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			return nil, s.redirectError(v, s.internalError(ctx, "Failed to load session", err))
		}
		session = nil
	}

	needsLogin := session == nil || v.hasPrompt(PromptLogin)
	if session != nil && v.HasMaxAge && s.now().Sub(session.AuthTime) > v.MaxAge {
		needsLogin = true
	}
	if needsLogin {
		if v.hasPrompt(PromptNone) {
			return nil, s.redirectError(v, ErrLoginRequired("user is not signed in"))
		}
		return &AuthorizeResult{Outcome: OutcomeLogin, Authorization: v, Session: session}, nil
	}

	if _, err := s.Sessions.Touch(ctx, session.ID); err != nil {
		s.logger(ctx).Warn("Failed to record session activity", "error", err)
	}

	consented, err := s.Consents.HasConsent(ctx, session.UserID, v.Client.ClientID, v.Scopes)
	if err != nil {
		return nil, s.redirectError(v, s.internalError(ctx, "Failed to load consent", err))
	}
	if !consented || v.hasPrompt(PromptConsent) {
		if v.hasPrompt(PromptNone) {
			return nil, s.redirectError(v, ErrConsentRequired("user consent is required"))
		}
		return &AuthorizeResult{
			Outcome:       OutcomeConsent,
			Authorization: v,
			Session:       session,
			MissingScopes: s.unconsentedScopes(ctx, session.UserID, v),
		}, nil
	}

	redirectURL, err := s.IssueAuthorizationCode(ctx, v, session)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{
		Outcome:       OutcomeRedirect,
		Authorization: v,
		Session:       session,
		RedirectURL:   redirectURL,
	}, nil
}

// unconsentedScopes lists the requested scopes the user has not approved yet
func (s *Server) unconsentedScopes(ctx context.Context, userID string, v *ValidatedAuthorization) []string {
	consent, err := s.stores.Consents.GetConsent(ctx, userID, v.Client.ClientID)
	if err != nil {
		return v.Scopes
	}
	return missingScopes(v.Scopes, consent.Scopes)
}

// IssueAuthorizationCode stores a new code for a validated request and the
// signed-in user, returning the redirect URL carrying code, state and iss.
func (s *Server) IssueAuthorizationCode(ctx context.Context, v *ValidatedAuthorization, session *storage.Session) (string, error) {
	now := s.now()

	if v.Request.Nonce != "" {
		// Remembered as long as an ID token carrying it can be valid
		seenUntil := now.Add(s.Config.AuthorizationCodeTTL + s.Config.IDTokenTTL)
		if err := s.stores.Nonces.CheckAndStoreNonce(ctx, v.Client.ClientID, v.Request.Nonce, seenUntil); err != nil {
			if errors.Is(err, storage.ErrNonceReplayed) {
				if s.Auditor != nil {
					s.Auditor.LogEvent(security.Event{
						Type:      security.EventNonceReplayDetected,
						UserID:    session.UserID,
						ClientID:  v.Client.ClientID,
						IPAddress: clientIPFrom(ctx),
					})
				}
				return "", s.redirectError(v, ErrInvalidRequest("nonce was already used"))
			}
			return "", s.redirectError(v, s.internalError(ctx, "Failed to record nonce", err))
		}
	}

	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            v.Client.ClientID,
		UserID:              session.UserID,
		RedirectURI:         v.Request.RedirectURI,
		Scope:               util.FormatScope(v.Scopes),
		Nonce:               v.Request.Nonce,
		CodeChallenge:       v.Request.CodeChallenge,
		CodeChallengeMethod: v.Request.CodeChallengeMethod,
		AuthTime:            session.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.stores.Codes.SaveAuthorizationCode(ctx, code); err != nil {
		return "", s.redirectError(v, s.internalError(ctx, "Failed to store authorization code", err))
	}

	if s.Auditor != nil {
		s.Auditor.LogUserEvent(security.EventAuthorizationCodeIssued, session.UserID, v.Client.ClientID,
			clientIPFrom(ctx), map[string]any{"scope": code.Scope})
	}

	params := url.Values{}
	params.Set("code", code.Code)
	if v.Request.State != "" {
		params.Set("state", v.Request.State)
	}
	params.Set("iss", s.Config.Issuer)
	return appendQuery(v.RedirectURI, params), nil
}

// DecideConsent records the signed-in user's answer on the consent page.
// Approval merges the scopes into the stored consent; denial is reported to
// the client as access_denied.
func (s *Server) DecideConsent(ctx context.Context, req AuthorizationRequest, sessionID string, approved bool) (*ValidatedAuthorization, error) {
	v, err := s.ValidateAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, s.redirectError(v, ErrLoginRequired("user is not signed in"))
		}
		return nil, s.redirectError(v, s.internalError(ctx, "Failed to load session", err))
	}

	if !approved {
		if s.Auditor != nil {
			s.Auditor.LogUserEvent(security.EventConsentDenied, session.UserID, v.Client.ClientID, clientIPFrom(ctx), nil)
		}
		return nil, s.redirectError(v, ErrAccessDenied("the user denied the request"))
	}

	if _, err := s.Consents.Grant(ctx, session.UserID, v.Client.ClientID, v.Scopes); err != nil {
		return nil, s.redirectError(v, s.internalError(ctx, "Failed to store consent", err))
	}
	if s.Auditor != nil {
		s.Auditor.LogUserEvent(security.EventConsentGranted, session.UserID, v.Client.ClientID, clientIPFrom(ctx),
			map[string]any{"scope": util.FormatScope(v.Scopes)})
	}
	return v, nil
}
