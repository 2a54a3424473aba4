package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-authz/internal/util"
	"github.com/giantswarm/oidc-authz/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode stores an authorization code. Saving an existing code
// overwrites its data and used flag but keeps the key's lifetime in step with
// ExpiresAt.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateLength(code.Code, MaxTokenLength, "code"); err != nil {
		return err
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := s.codeKey(code.Code)
	used := "0"
	if code.Used {
		used = "1"
	}

	cmds := valkeygo.Commands{
		s.client.B().Hset().Key(key).FieldValue().
			FieldValue("data", string(data)).
			FieldValue("used", used).
			FieldValue("expires_ms", strconv.FormatInt(code.ExpiresAt.UnixMilli(), 10)).
			FieldValue("at_jti", code.AccessTokenJTI).
			FieldValue("at_exp_ms", millisOf(code.AccessTokenExpiresAt)).
			Build(),
		s.client.B().Pexpire().Key(key).Milliseconds(ttlUntil(code.ExpiresAt.Add(usedCodeRetention)).Milliseconds()).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save authorization code: %w", err)
		}
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if len(code) > MaxTokenLength {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.codeKey(code)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return decodeAuthorizationCode(fields["data"], fields["used"] == "1", fields["at_jti"], fields["at_exp_ms"])
}

// ConsumeAuthorizationCode atomically marks an unused code as used.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, accessTokenJTI string, accessTokenExpiresAt time.Time) (result *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	if len(code) > MaxTokenLength {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	reply, err := consumeCodeScript.Exec(ctx, s.client,
		[]string{s.codeKey(code)},
		[]string{
			strconv.FormatInt(time.Now().UnixMilli(), 10),
			accessTokenJTI,
			millisOf(accessTokenExpiresAt),
		},
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch reply[0] {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "EXPIRED":
		return nil, storage.ErrAuthorizationCodeExpired
	case "USED":
		used, decodeErr := decodeAuthorizationCode(reply[1], true, reply[2], reply[3])
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrAuthorizationCodeUsed, decodeErr)
		}
		return used, storage.ErrAuthorizationCodeUsed
	case "OK":
	default:
		return nil, fmt.Errorf("unexpected consume result %q", reply[0])
	}

	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return decodeAuthorizationCode(reply[1], true, reply[2], reply[3])
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

func decodeAuthorizationCode(data string, used bool, atJTI, atExpMillis string) (*storage.AuthorizationCode, error) {
	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	code := fromAuthorizationCodeJSON(&j, used)
	code.AccessTokenJTI = atJTI
	if ms, err := strconv.ParseInt(atExpMillis, 10, 64); err == nil && ms > 0 {
		code.AccessTokenExpiresAt = time.UnixMilli(ms)
	}
	return code, nil
}

// millisOf formats t as Unix milliseconds, with "0" for the zero time
func millisOf(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ============================================================
// DeviceCodeStore Implementation
// ============================================================

// SaveDeviceCode stores a pending device authorization
func (s *Store) SaveDeviceCode(ctx context.Context, code *storage.DeviceCode) error {
	if code == nil {
		return fmt.Errorf("invalid device code")
	}
	if err := validateLength(code.DeviceCode, MaxTokenLength, "device_code"); err != nil {
		return err
	}
	if err := validateLength(code.UserCode, MaxIDLength, "user_code"); err != nil {
		return err
	}

	data, err := json.Marshal(deviceCodeJSON{
		DeviceCode: code.DeviceCode,
		UserCode:   code.UserCode,
		ClientID:   code.ClientID,
		Scope:      code.Scope,
		CreatedAt:  unixOf(code.CreatedAt),
		ExpiresAt:  unixOf(code.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal device code: %w", err)
	}

	reply, err := saveDeviceCodeScript.Exec(ctx, s.client,
		[]string{s.deviceCodeKey(code.DeviceCode), s.userCodeKey(code.UserCode)},
		[]string{
			code.DeviceCode,
			strconv.FormatInt(ttlUntil(code.ExpiresAt).Milliseconds(), 10),
			string(data),
			strconv.FormatInt(code.Interval.Milliseconds(), 10),
			code.ClientID,
			code.UserCode,
			strconv.FormatInt(code.ExpiresAt.UnixMilli(), 10),
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to save device code: %w", err)
	}
	if reply == "EXISTS" {
		return storage.ErrUserCodeExists
	}
	return nil
}

// GetDeviceCodeByUserCode looks up a device authorization by user code
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*storage.DeviceCode, error) {
	if len(userCode) > MaxIDLength {
		return nil, storage.ErrDeviceCodeNotFound
	}

	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrDeviceCodeNotFound
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.deviceCodeKey(deviceCode)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get device code: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrDeviceCodeNotFound
	}
	return deviceCodeFromFields(fields)
}

// DecideDeviceCode records the user's approval or denial
func (s *Store) DecideDeviceCode(ctx context.Context, userCode, userID string, approved bool, decidedAt time.Time) error {
	status := "denied"
	if approved {
		status = "authorized"
	}

	reply, err := decideDeviceCodeScript.Exec(ctx, s.client,
		[]string{s.userCodeKey(userCode)},
		[]string{
			s.deviceCodePrefix(),
			strconv.FormatInt(decidedAt.UnixMilli(), 10),
			status,
			userID,
		},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to decide device code: %w", err)
	}

	switch reply {
	case "OK":
		return nil
	case "NOT_FOUND":
		return storage.ErrDeviceCodeNotFound
	case "EXPIRED":
		return storage.ErrDeviceCodeExpired
	case "DECIDED":
		return storage.ErrDeviceCodeDecided
	default:
		return fmt.Errorf("unexpected decide result %q", reply)
	}
}

// PollDeviceCode atomically applies a token endpoint poll
func (s *Store) PollDeviceCode(ctx context.Context, deviceCode, clientID string, now time.Time) (result *storage.DeviceCode, status storage.DevicePollStatus, err error) {
	ctx, span := s.startStorageSpan(ctx, "poll_device_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "poll_device_code", err, startTime)
	}()

	if len(deviceCode) > MaxTokenLength {
		return nil, 0, storage.ErrDeviceCodeNotFound
	}

	reply, err := pollDeviceCodeScript.Exec(ctx, s.client,
		[]string{s.deviceCodeKey(deviceCode)},
		[]string{
			strconv.FormatInt(now.UnixMilli(), 10),
			clientID,
			strconv.FormatInt(storage.SlowDownIncrement.Milliseconds(), 10),
			s.userCodePrefix(),
		},
	).AsStrSlice()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute device code poll: %w", err)
	}

	switch reply[0] {
	case "NOT_FOUND":
		return nil, 0, storage.ErrDeviceCodeNotFound
	case "EXPIRED":
		return nil, 0, storage.ErrDeviceCodeExpired
	case "CLIENT_MISMATCH":
		return nil, 0, storage.ErrDeviceCodeClientMismatch
	case "pending":
		status = storage.DevicePollPending
	case "slow_down":
		status = storage.DevicePollSlowDown
	case "denied":
		status = storage.DevicePollDenied
	case "authorized":
		status = storage.DevicePollAuthorized
	default:
		return nil, 0, fmt.Errorf("unexpected poll result %q", reply[0])
	}

	fields := make(map[string]string, (len(reply)-1)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}
	result, err = deviceCodeFromFields(fields)
	if err != nil {
		return nil, 0, err
	}
	return result, status, nil
}

func deviceCodeFromFields(fields map[string]string) (*storage.DeviceCode, error) {
	var j deviceCodeJSON
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device code: %w", err)
	}

	intervalMs, _ := strconv.ParseInt(fields["interval_ms"], 10, 64)
	lastPolledMs, _ := strconv.ParseInt(fields["last_polled_ms"], 10, 64)
	authTimeMs, _ := strconv.ParseInt(fields["auth_time"], 10, 64)

	d := &storage.DeviceCode{
		DeviceCode: j.DeviceCode,
		UserCode:   j.UserCode,
		ClientID:   j.ClientID,
		Scope:      j.Scope,
		Interval:   time.Duration(intervalMs) * time.Millisecond,
		CreatedAt:  unixOrZero(j.CreatedAt),
		ExpiresAt:  unixOrZero(j.ExpiresAt),
		Authorized: fields["status"] == "authorized",
		Denied:     fields["status"] == "denied",
		UserID:     fields["user_id"],
	}
	if lastPolledMs > 0 {
		d.LastPolledAt = time.UnixMilli(lastPolledMs)
	}
	if authTimeMs > 0 {
		d.AuthTime = time.UnixMilli(authTimeMs)
	}
	return d, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession stores a session until its ExpiresAt
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil {
		return fmt.Errorf("invalid session")
	}
	if err := validateLength(session.ID, MaxTokenLength, "session_id"); err != nil {
		return err
	}

	data, err := json.Marshal(sessionJSON{
		ID:             session.ID,
		UserID:         session.UserID,
		AuthTime:       unixOf(session.AuthTime),
		CreatedAt:      unixOf(session.CreatedAt),
		ExpiresAt:      unixOf(session.ExpiresAt),
		LastActivityAt: unixOf(session.LastActivityAt),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = s.client.Do(ctx, s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).
		PxMilliseconds(ttlUntil(session.ExpiresAt).Milliseconds()).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns a live session
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if len(sessionID) > MaxTokenLength {
		return nil, storage.ErrSessionNotFound
	}

	j, err := getJSON[sessionJSON](ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound)
	if err != nil {
		return nil, err
	}

	session := &storage.Session{
		ID:             j.ID,
		UserID:         j.UserID,
		AuthTime:       unixOrZero(j.AuthTime),
		CreatedAt:      unixOrZero(j.CreatedAt),
		ExpiresAt:      unixOrZero(j.ExpiresAt),
		LastActivityAt: unixOrZero(j.LastActivityAt),
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(sessionID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ============================================================
// NonceStore Implementation
// ============================================================

// CheckAndStoreNonce records a nonce with SET NX; an existing key is a replay
func (s *Store) CheckAndStoreNonce(ctx context.Context, clientID, nonce string, expiresAt time.Time) error {
	if len(nonce) > MaxTokenLength || len(clientID) > MaxIDLength {
		return errInputTooLarge
	}

	_, err := s.client.Do(ctx, s.client.B().Set().Key(s.nonceKey(clientID, nonce)).Value("1").
		Nx().PxMilliseconds(ttlUntil(expiresAt).Milliseconds()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return storage.ErrNonceReplayed
		}
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	return nil
}
