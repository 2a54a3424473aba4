package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/storage"
)

const (
	testClientID = "test-client"
	testUserID   = "test-user"
)

// testStore returns a store backed by miniredis, or by the Valkey server at
// VALKEY_TEST_ADDR when it is set. The returned miniredis is nil for a real
// server; tests that need to move time forward skip in that case.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	var mr *miniredis.Miniredis
	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		mr = miniredis.RunT(t)
		addr = mr.Addr()
	}

	store, err := New(Config{
		Address:      addr,
		KeyPrefix:    fmt.Sprintf("oidctest:%s:", t.Name()),
		DisableCache: true,
		Logger:       testutil.DiscardLogger(),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})
	return store, mr
}

// cleanupTestKeys removes all keys under the store prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}
		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}
		cursor = result.Cursor
		if cursor == 0 {
			return
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	if _, err := New(Config{Address: "invalid:99999", DisableCache: true}); err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_Clients(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient("client-b")
	client.AccessTokenTTL = 15 * time.Minute
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveClient(ctx, testutil.NewPublicTestClient("client-a")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := s.GetClient(ctx, "client-b")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if diff := cmp.Diff(client, got); diff != "" {
		t.Errorf("GetClient() mismatch (-want +got):\n%s", diff)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	var ids []string
	for _, c := range clients {
		ids = append(ids, c.ClientID)
	}
	if diff := cmp.Diff([]string{"client-a", "client-b"}, ids); diff != "" {
		t.Errorf("ListClients() mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteClient(ctx, "client-b"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := s.GetClient(ctx, "client-b"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v, want ErrClientNotFound", err)
	}

	// An index entry without a record is skipped and pruned
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.clientIndexKey()).Member("ghost").Build()).Error(); err != nil {
		t.Fatal(err)
	}
	clients, err = s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 || clients[0].ClientID != "client-a" {
		t.Errorf("ListClients() after delete = %v", clients)
	}
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientIndexKey()).Build()).AsStrSlice()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"client-a"}, members); diff != "" {
		t.Errorf("client index mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		client *storage.Client
	}{
		{name: "nil", client: nil},
		{name: "empty id", client: &storage.Client{}},
		{name: "oversized id", client: &storage.Client{ClientID: string(make([]byte, MaxIDLength+1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveClient(ctx, tt.client); err == nil {
				t.Error("SaveClient() expected error")
			}
		})
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	code.Nonce = "n-0S6_WzA2Mj"
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	atExpiry := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, "jti-1", atExpiry)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	want := *code
	want.Used = true
	want.AccessTokenJTI = "jti-1"
	want.AccessTokenExpiresAt = atExpiry
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("ConsumeAuthorizationCode() mismatch (-want +got):\n%s", diff)
	}

	// The replay sees the token of the winning exchange, not its own
	replayed, err := s.ConsumeAuthorizationCode(ctx, code.Code, "jti-2", atExpiry)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second consume error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if diff := cmp.Diff(&want, replayed); diff != "" {
		t.Errorf("replayed code mismatch (-want +got):\n%s", diff)
	}

	stored, err := s.GetAuthorizationCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if diff := cmp.Diff(&want, stored); diff != "" {
		t.Errorf("GetAuthorizationCode() mismatch (-want +got):\n%s", diff)
	}

	// Saving keeps the used flag and the recorded token
	if err := s.SaveAuthorizationCode(ctx, stored); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if again, _ := s.GetAuthorizationCode(ctx, code.Code); again == nil || !again.Used || again.AccessTokenJTI != "jti-1" {
		t.Errorf("stored code after save = %+v, want used with jti-1", again)
	}
}

func TestStore_ConsumeAuthorizationCode_Errors(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.ConsumeAuthorizationCode(ctx, "missing", "", time.Time{}); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("missing code error = %v, want ErrAuthorizationCodeNotFound", err)
	}

	expired := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	_ = s.SaveAuthorizationCode(ctx, expired)
	if _, err := s.ConsumeAuthorizationCode(ctx, expired.Code, "", time.Time{}); !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("expired code error = %v, want ErrAuthorizationCodeExpired", err)
	}

	if err := s.DeleteAuthorizationCode(ctx, expired.Code); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, expired.Code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode() after delete error = %v", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	_ = s.SaveAuthorizationCode(ctx, code)

	const numGoroutines = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.Code, "", time.Time{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful consumes = %d, want 1", successes)
	}
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func TestStore_RotateRefreshToken(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	old.AccessTokenJTI = "jti-old"
	if err := s.SaveRefreshToken(ctx, old); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	got, err := s.GetRefreshToken(ctx, old.Token)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if diff := cmp.Diff(old, got); diff != "" {
		t.Errorf("GetRefreshToken() mismatch (-want +got):\n%s", diff)
	}

	next := testutil.NewTestRefreshToken(testUserID, testClientID)
	if err := s.RotateRefreshToken(ctx, old.Token, next); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	rotated, _ := s.GetRefreshToken(ctx, old.Token)
	if !rotated.Revoked || rotated.ReplacedBy != next.Token || rotated.RevokedAt.IsZero() {
		t.Errorf("old token = %+v, want revoked and replaced by the new token", rotated)
	}
	if _, err := s.GetRefreshToken(ctx, next.Token); err != nil {
		t.Errorf("GetRefreshToken(next) error = %v", err)
	}

	again := testutil.NewTestRefreshToken(testUserID, testClientID)
	if err := s.RotateRefreshToken(ctx, old.Token, again); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Errorf("rotating a revoked token error = %v, want ErrRefreshTokenRevoked", err)
	}
	if _, err := s.GetRefreshToken(ctx, again.Token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("failed rotation stored the new token, error = %v", err)
	}

	if err := s.RotateRefreshToken(ctx, "missing", again); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("rotating a missing token error = %v, want ErrRefreshTokenNotFound", err)
	}
}

func TestStore_RotateRefreshToken_Expired(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	old.ExpiresAt = time.Now().Add(-time.Minute)
	_ = s.SaveRefreshToken(ctx, old)

	err := s.RotateRefreshToken(ctx, old.Token, testutil.NewTestRefreshToken(testUserID, testClientID))
	// A real server may already have evicted the key
	if !errors.Is(err, storage.ErrRefreshTokenExpired) && !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("RotateRefreshToken() error = %v, want expired or not found", err)
	}
}

func TestStore_RotateRefreshToken_Concurrent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = s.SaveRefreshToken(ctx, old)

	const numGoroutines = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := testutil.NewTestRefreshToken(testUserID, testClientID)
			if err := s.RotateRefreshToken(ctx, old.Token, next); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful rotations = %d, want 1", successes)
	}
}

func TestStore_RevokeRefreshTokensForUserClient(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = s.SaveRefreshToken(ctx, first)
	second := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = s.RotateRefreshToken(ctx, first.Token, second)
	other := testutil.NewTestRefreshToken(testUserID, "other-client")
	_ = s.SaveRefreshToken(ctx, other)

	revoked, err := s.RevokeRefreshTokensForUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("RevokeRefreshTokensForUserClient() error = %v", err)
	}
	if len(revoked) != 1 || revoked[0].Token != second.Token || !revoked[0].Revoked {
		t.Errorf("revoked = %+v, want only the live token of the lineage", revoked)
	}

	if got, _ := s.GetRefreshToken(ctx, second.Token); !got.Revoked {
		t.Error("live token of the lineage was not revoked")
	}
	if got, _ := s.GetRefreshToken(ctx, other.Token); got.Revoked {
		t.Error("token of another client was revoked")
	}

	revoked, _ = s.RevokeRefreshTokensForUserClient(ctx, testUserID, testClientID)
	if len(revoked) != 0 {
		t.Errorf("second revocation returned %d tokens, want 0", len(revoked))
	}
}

func TestStore_RevokeRefreshToken(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	token := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = s.SaveRefreshToken(ctx, token)

	for i := 0; i < 2; i++ {
		if err := s.RevokeRefreshToken(ctx, token.Token); err != nil {
			t.Fatalf("RevokeRefreshToken() #%d error = %v", i+1, err)
		}
	}
	if got, _ := s.GetRefreshToken(ctx, token.Token); !got.Revoked {
		t.Error("token not revoked")
	}
	if err := s.RevokeRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("RevokeRefreshToken(missing) error = %v, want ErrRefreshTokenNotFound", err)
	}
}

// ============================================================
// TokenBlacklist Tests
// ============================================================

func TestStore_Blacklist(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	if err := s.BlacklistToken(ctx, "jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("BlacklistToken() error = %v", err)
	}
	// A shorter expiry does not shorten an existing entry
	if err := s.BlacklistToken(ctx, "jti-1", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("BlacklistToken() error = %v", err)
	}
	if err := s.BlacklistToken(ctx, "jti-expired", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("BlacklistToken(expired) error = %v", err)
	}

	if ok, err := s.IsTokenBlacklisted(ctx, "jti-1"); err != nil || !ok {
		t.Errorf("IsTokenBlacklisted(jti-1) = %v, %v; want true", ok, err)
	}
	if ok, _ := s.IsTokenBlacklisted(ctx, "jti-expired"); ok {
		t.Error("an already expired token was blacklisted")
	}

	if mr == nil {
		return
	}
	mr.FastForward(30 * time.Second)
	if ok, _ := s.IsTokenBlacklisted(ctx, "jti-1"); !ok {
		t.Error("entry expired with the shorter lifetime")
	}
	mr.FastForward(31 * time.Second)
	if ok, _ := s.IsTokenBlacklisted(ctx, "jti-1"); ok {
		t.Error("entry outlived the token")
	}
}

// ============================================================
// DeviceCodeStore Tests
// ============================================================

func TestStore_PollDeviceCode(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	if err := s.SaveDeviceCode(ctx, dc); err != nil {
		t.Fatalf("SaveDeviceCode() error = %v", err)
	}

	now := dc.CreatedAt
	_, status, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now)
	if err != nil || status != storage.DevicePollPending {
		t.Fatalf("first poll = %v, %v; want pending", status, err)
	}

	_, status, _ = s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(time.Second))
	if status != storage.DevicePollSlowDown {
		t.Fatalf("early poll = %v, want slow_down", status)
	}

	entry, err := s.GetDeviceCodeByUserCode(ctx, dc.UserCode)
	if err != nil {
		t.Fatalf("GetDeviceCodeByUserCode() error = %v", err)
	}
	if want := dc.Interval + storage.SlowDownIncrement; entry.Interval != want {
		t.Errorf("Interval = %v, want %v", entry.Interval, want)
	}
	if !entry.LastPolledAt.Equal(now.Add(time.Second)) {
		t.Errorf("LastPolledAt = %v, want %v", entry.LastPolledAt, now.Add(time.Second))
	}

	if _, _, err := s.PollDeviceCode(ctx, dc.DeviceCode, "other-client", now.Add(time.Minute)); !errors.Is(err, storage.ErrDeviceCodeClientMismatch) {
		t.Errorf("poll from other client error = %v", err)
	}

	decidedAt := time.Now().Truncate(time.Millisecond)
	if err := s.DecideDeviceCode(ctx, dc.UserCode, testUserID, true, decidedAt); err != nil {
		t.Fatalf("DecideDeviceCode() error = %v", err)
	}
	if err := s.DecideDeviceCode(ctx, dc.UserCode, testUserID, false, decidedAt); !errors.Is(err, storage.ErrDeviceCodeDecided) {
		t.Errorf("second DecideDeviceCode() error = %v, want ErrDeviceCodeDecided", err)
	}

	got, status, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(2*time.Minute))
	if err != nil || status != storage.DevicePollAuthorized {
		t.Fatalf("poll after approval = %v, %v; want authorized", status, err)
	}
	if got.UserID != testUserID || !got.AuthTime.Equal(decidedAt) || got.Scope != dc.Scope {
		t.Errorf("authorized entry = %+v", got)
	}

	if _, _, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(3*time.Minute)); !errors.Is(err, storage.ErrDeviceCodeNotFound) {
		t.Errorf("poll after authorization error = %v, want ErrDeviceCodeNotFound", err)
	}
	if _, err := s.GetDeviceCodeByUserCode(ctx, dc.UserCode); !errors.Is(err, storage.ErrDeviceCodeNotFound) {
		t.Errorf("user code survived authorization, error = %v", err)
	}
}

func TestStore_PollDeviceCode_Denied(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	_ = s.SaveDeviceCode(ctx, dc)
	if err := s.DecideDeviceCode(ctx, dc.UserCode, testUserID, false, time.Now()); err != nil {
		t.Fatalf("DecideDeviceCode() error = %v", err)
	}

	if _, status, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, time.Now()); err != nil || status != storage.DevicePollDenied {
		t.Errorf("poll = %v, %v; want denied", status, err)
	}
}

func TestStore_PollDeviceCode_Expired(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	_ = s.SaveDeviceCode(ctx, dc)

	if _, _, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, dc.ExpiresAt.Add(time.Second)); !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("PollDeviceCode() error = %v, want ErrDeviceCodeExpired", err)
	}
	if err := s.DecideDeviceCode(ctx, dc.UserCode, testUserID, true, dc.ExpiresAt.Add(time.Second)); !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("DecideDeviceCode() error = %v, want ErrDeviceCodeExpired", err)
	}
}

func TestStore_PollDeviceCode_ConcurrentAuthorized(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	_ = s.SaveDeviceCode(ctx, dc)
	_ = s.DecideDeviceCode(ctx, dc.UserCode, testUserID, true, time.Now())

	const numGoroutines = 10
	statuses := make(chan storage.DevicePollStatus, numGoroutines)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status, err := s.PollDeviceCode(ctx, dc.DeviceCode, testClientID, time.Now())
			if err == nil {
				statuses <- status
			}
		}()
	}
	wg.Wait()
	close(statuses)

	authorized := 0
	for status := range statuses {
		if status == storage.DevicePollAuthorized {
			authorized++
		}
	}
	if authorized != 1 {
		t.Errorf("authorized polls = %d, want 1", authorized)
	}
}

func TestStore_SaveDeviceCode_DuplicateUserCode(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first := testutil.NewTestDeviceCode(testClientID)
	_ = s.SaveDeviceCode(ctx, first)

	second := testutil.NewTestDeviceCode(testClientID)
	second.UserCode = first.UserCode
	if err := s.SaveDeviceCode(ctx, second); !errors.Is(err, storage.ErrUserCodeExists) {
		t.Errorf("SaveDeviceCode() error = %v, want ErrUserCodeExists", err)
	}
}

// ============================================================
// SessionStore and NonceStore Tests
// ============================================================

func TestStore_Sessions(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	session := &storage.Session{
		ID:             "session-1",
		UserID:         testUserID,
		AuthTime:       now,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		LastActivityAt: now,
	}
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := s.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if diff := cmp.Diff(session, got); diff != "" {
		t.Errorf("GetSession() mismatch (-want +got):\n%s", diff)
	}

	expired := *session
	expired.ID = "session-2"
	expired.ExpiresAt = now.Add(-time.Minute)
	_ = s.SaveSession(ctx, &expired)
	if _, err := s.GetSession(ctx, "session-2"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession(expired) error = %v, want ErrSessionNotFound", err)
	}

	_ = s.DeleteSession(ctx, "session-1")
	if _, err := s.GetSession(ctx, "session-1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession() after delete error = %v", err)
	}
}

func TestStore_CheckAndStoreNonce(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := s.CheckAndStoreNonce(ctx, testClientID, "nonce-1", expiresAt); err != nil {
		t.Fatalf("CheckAndStoreNonce() error = %v", err)
	}
	if err := s.CheckAndStoreNonce(ctx, testClientID, "nonce-1", expiresAt); !errors.Is(err, storage.ErrNonceReplayed) {
		t.Errorf("replayed nonce error = %v, want ErrNonceReplayed", err)
	}
	if err := s.CheckAndStoreNonce(ctx, "other-client", "nonce-1", expiresAt); err != nil {
		t.Errorf("same nonce for another client error = %v", err)
	}
}
