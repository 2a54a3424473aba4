package server

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/security"
	"github.com/giantswarm/oidc-authz/storage"
)

const (
	// userCodeAlphabet has no vowels (no accidental words) and no characters
	// that are easily confused on a small screen (RFC 8628 section 6.1).
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8

	// maxUserCodeAttempts bounds retries on user code collisions
	maxUserCodeAttempts = 5
)

// DeviceAuthorizationResponse is returned by the device authorization
// endpoint (RFC 8628 section 3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// StartDeviceAuthorization creates a pending device authorization for the
// client (RFC 8628 section 3.1). Requested scopes must all be allowed for the
// client.
func (s *Server) StartDeviceAuthorization(ctx context.Context, creds ClientCredentials, scope string) (*DeviceAuthorizationResponse, error) {
	ctx, span := s.startSpan(ctx, "server.device_authorization")
	defer span.End()

	resp, err := s.startDeviceAuthorization(ctx, creds, scope)
	finishSpan(span, err)
	return resp, err
}

func (s *Server) startDeviceAuthorization(ctx context.Context, creds ClientCredentials, scope string) (*DeviceAuthorizationResponse, error) {
	if len(scope) > s.Config.MaxScopeLength {
		return nil, ErrInvalidScope("scope parameter too long")
	}

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the device_code grant")
	}

	scopes := util.ParseScope(scope)
	if len(scopes) == 0 {
		scopes = client.DefaultScopes
	}
	if missing := missingScopes(scopes, client.Scopes); len(missing) > 0 {
		return nil, ErrInvalidScope("scope not allowed for client: " + util.FormatScope(missing))
	}

	now := s.now()
	entry := &storage.DeviceCode{
		DeviceCode: generateRandomToken(),
		ClientID:   client.ClientID,
		Scope:      util.FormatScope(scopes),
		Interval:   s.Config.DeviceCodeInterval,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Config.DeviceCodeTTL),
	}

	for attempt := 1; ; attempt++ {
		entry.UserCode, err = generateUserCode()
		if err != nil {
			return nil, s.internalError(ctx, "Failed to generate user code", err)
		}
		err = s.stores.DeviceCodes.SaveDeviceCode(ctx, entry)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrUserCodeExists) || attempt == maxUserCodeAttempts {
			return nil, s.internalError(ctx, "Failed to store device code", err)
		}
	}

	s.logger(ctx).Debug("Device authorization started",
		"client_id", client.ClientID,
		"device_code_prefix", util.SafeTruncate(entry.DeviceCode, tokenIDLogLength))

	return &DeviceAuthorizationResponse{
		DeviceCode:              entry.DeviceCode,
		UserCode:                entry.UserCode,
		VerificationURI:         s.Config.DeviceVerificationURI,
		VerificationURIComplete: appendQuery(s.Config.DeviceVerificationURI, map[string][]string{"user_code": {entry.UserCode}}),
		ExpiresIn:               int64(s.Config.DeviceCodeTTL.Seconds()),
		Interval:                int64(s.Config.DeviceCodeInterval.Seconds()),
	}, nil
}

// generateUserCode returns a code in XXXX-XXXX form from userCodeAlphabet
func generateUserCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(userCodeAlphabet)))
	for i := 0; i < userCodeLength; i++ {
		if i == userCodeLength/2 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeUserCode turns user input such as "bcdf ghjk" or "BCDFGHJK" into
// the stored XXXX-XXXX form. Characters outside the alphabet are dropped.
func NormalizeUserCode(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if strings.ContainsRune(userCodeAlphabet, r) {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) != userCodeLength {
		return code
	}
	return code[:userCodeLength/2] + "-" + code[userCodeLength/2:]
}

// DevicePrompt is what the verification page shows the user
type DevicePrompt struct {
	UserCode   string
	ClientID   string
	ClientName string
	Scopes     []string
}

// LookupDeviceCode resolves a user code typed on the verification page
func (s *Server) LookupDeviceCode(ctx context.Context, userCode string) (*DevicePrompt, error) {
	entry, err := s.stores.DeviceCodes.GetDeviceCodeByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		if errors.Is(err, storage.ErrDeviceCodeNotFound) || errors.Is(err, storage.ErrDeviceCodeExpired) {
			return nil, ErrInvalidRequest("unknown or expired user code")
		}
		return nil, s.internalError(ctx, "Failed to load device code", err)
	}
	if s.expired(entry.ExpiresAt) {
		return nil, ErrInvalidRequest("unknown or expired user code")
	}

	client, err := s.stores.Clients.GetClient(ctx, entry.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidRequest("unknown or expired user code")
		}
		return nil, s.internalError(ctx, "Failed to load client", err)
	}

	return &DevicePrompt{
		UserCode:   entry.UserCode,
		ClientID:   client.ClientID,
		ClientName: client.ClientName,
		Scopes:     util.ParseScope(entry.Scope),
	}, nil
}

// DecideDeviceCode records the decision of the signed-in user for a user code.
func (s *Server) DecideDeviceCode(ctx context.Context, session *storage.Session, userCode string, approved bool) error {
	if session == nil {
		return ErrLoginRequired("user must be signed in")
	}

	normalized := NormalizeUserCode(userCode)
	entry, err := s.stores.DeviceCodes.GetDeviceCodeByUserCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceCodeNotFound) || errors.Is(err, storage.ErrDeviceCodeExpired) {
			return ErrInvalidRequest("unknown or expired user code")
		}
		return s.internalError(ctx, "Failed to load device code", err)
	}

	err = s.stores.DeviceCodes.DecideDeviceCode(ctx, normalized, session.UserID, approved, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDeviceCodeNotFound), errors.Is(err, storage.ErrDeviceCodeExpired):
			return ErrInvalidRequest("unknown or expired user code")
		case errors.Is(err, storage.ErrDeviceCodeDecided):
			return ErrInvalidRequest("user code was already used")
		default:
			return s.internalError(ctx, "Failed to record device decision", err)
		}
	}

	if s.Auditor != nil {
		eventType := security.EventDeviceDenied
		if approved {
			eventType = security.EventDeviceAuthorized
		}
		s.Auditor.LogUserEvent(eventType, session.UserID, entry.ClientID, clientIPFrom(ctx), map[string]any{
			"scope": entry.Scope,
		})
	}
	return nil
}

// pollDeviceCode handles the device_code grant (RFC 8628 section 3.5).
// Unknown, expired and foreign device codes are all invalid_grant.
func (s *Server) pollDeviceCode(ctx context.Context, creds ClientCredentials, g *DeviceCodeGrant) (*TokenResponse, error) {
	if g.DeviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}

	client, err := s.AuthenticateClient(ctx, creds)
	if err != nil {
		return nil, err
	}
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not allowed to use the device_code grant")
	}

	entry, status, err := s.stores.DeviceCodes.PollDeviceCode(ctx, g.DeviceCode, client.ClientID, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDeviceCodeNotFound), errors.Is(err, storage.ErrDeviceCodeExpired):
			s.metrics().RecordDevicePoll(ctx, "invalid")
			return nil, ErrInvalidGrant("invalid or expired device code")
		case errors.Is(err, storage.ErrDeviceCodeClientMismatch):
			s.metrics().RecordDevicePoll(ctx, "invalid")
			s.logAuthFailure(ctx, "", client.ClientID, "device_code_client_mismatch")
			return nil, ErrInvalidGrant("invalid or expired device code")
		default:
			return nil, s.internalError(ctx, "Failed to poll device code", err)
		}
	}
	s.metrics().RecordDevicePoll(ctx, status.String())

	switch status {
	case storage.DevicePollPending:
		return nil, ErrAuthorizationPending("the user has not yet completed authorization")
	case storage.DevicePollSlowDown:
		return nil, ErrSlowDown("polling too frequently")
	case storage.DevicePollDenied:
		return nil, ErrAccessDenied("the user denied the authorization request")
	case storage.DevicePollAuthorized:
		// handled below
	default:
		return nil, s.internalError(ctx, "Unknown device poll status", errors.New(status.String()))
	}

	resp, err := s.issueDeviceTokens(ctx, client, entry)
	if oauthErr := AsError(err); oauthErr != nil && oauthErr.Code == ErrorCodeServerError {
		s.restoreDeviceCode(ctx, entry)
	}
	return resp, err
}

func (s *Server) issueDeviceTokens(ctx context.Context, client *storage.Client, entry *storage.DeviceCode) (*TokenResponse, error) {
	user, err := s.loadGrantUser(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(ctx, &issuance{
		grantType: GrantTypeDeviceCode,
		client:    client,
		user:      user,
		scopes:    util.ParseScope(entry.Scope),
		authTime:  entry.AuthTime,
	})
}

// restoreDeviceCode puts an approved entry back after the poll that consumed
// it failed to issue tokens, so the device can poll again instead of starting
// over. The entry is re-created pending and the approval replayed.
func (s *Server) restoreDeviceCode(ctx context.Context, entry *storage.DeviceCode) {
	pending := *entry
	pending.Authorized = false
	pending.Denied = false
	pending.UserID = ""
	pending.AuthTime = time.Time{}
	pending.LastPolledAt = time.Time{}

	err := s.stores.DeviceCodes.SaveDeviceCode(ctx, &pending)
	if err == nil {
		err = s.stores.DeviceCodes.DecideDeviceCode(ctx, entry.UserCode, entry.UserID, true, entry.AuthTime)
	}
	if err != nil {
		s.logger(ctx).Warn("Failed to restore device code after issuance error",
			"client_id", entry.ClientID,
			"error", err)
	}
}
