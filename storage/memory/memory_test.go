package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/giantswarm/oidc-authz/internal/testutil"
	"github.com/giantswarm/oidc-authz/storage"
)

const (
	testUserID   = "test-user"
	testClientID = "test-client"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)
	return store
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_SaveClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	client := testutil.NewTestClient(testClientID)
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, testClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if diff := cmp.Diff(client, got); diff != "" {
		t.Errorf("GetClient() mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveClient(ctx, nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := store.SaveClient(ctx, &storage.Client{}); err == nil {
		t.Error("SaveClient() with empty ID should return error")
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetClient(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_GetClient_ReturnsCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveClient(ctx, testutil.NewTestClient(testClientID)); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, _ := store.GetClient(ctx, testClientID)
	got.RedirectURIs[0] = "https://evil.example.com/callback"

	again, _ := store.GetClient(ctx, testClientID)
	if again.RedirectURIs[0] == "https://evil.example.com/callback" {
		t.Error("mutating a returned client changed the stored client")
	}
}

func TestStore_ListAndDeleteClients(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b-client", "a-client"} {
		if err := store.SaveClient(ctx, testutil.NewTestClient(id)); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 2 || clients[0].ClientID != "a-client" {
		t.Fatalf("ListClients() = %d clients, first %q", len(clients), clients[0].ClientID)
	}

	if err := store.DeleteClient(ctx, "a-client"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "a-client"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() after delete error = %v", err)
	}
}

// ============================================================
// UserStore Tests
// ============================================================

func TestStore_Users(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := testutil.NewTestUser("alice", "password123")
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	byName, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if byName.ID != user.ID {
		t.Errorf("GetUserByUsername() ID = %q, want %q", byName.ID, user.ID)
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}

	other := testutil.NewTestUser("alice", "password123")
	if err := store.SaveUser(ctx, other); err == nil {
		t.Error("SaveUser() with a taken username should return error")
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	atExpiry := time.Now().Add(time.Hour)
	got, err := store.ConsumeAuthorizationCode(ctx, code.Code, "jti-1", atExpiry)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if !got.Used || got.AccessTokenJTI != "jti-1" || !got.AccessTokenExpiresAt.Equal(atExpiry) {
		t.Errorf("consumed code = %+v, want used with jti-1 recorded", got)
	}

	replay, err := store.ConsumeAuthorizationCode(ctx, code.Code, "jti-2", atExpiry)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if replay == nil || replay.UserID != testUserID || replay.AccessTokenJTI != "jti-1" {
		t.Errorf("replay = %+v, want the stored code carrying jti-1", replay)
	}
}

func TestStore_ConsumeAuthorizationCode_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.ConsumeAuthorizationCode(ctx, "missing", "", time.Time{}); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode(missing) error = %v", err)
	}

	expired := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	expired.ExpiresAt = time.Now().Add(-time.Second)
	_ = store.SaveAuthorizationCode(ctx, expired)

	if _, err := store.ConsumeAuthorizationCode(ctx, expired.Code, "", time.Time{}); !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("ConsumeAuthorizationCode(expired) error = %v", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	_ = store.SaveAuthorizationCode(ctx, code)

	const numGoroutines = 10
	results := make(chan error, numGoroutines)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthorizationCode(ctx, code.Code, "", time.Time{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
		} else if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			t.Errorf("unexpected error = %v", err)
		}
	}
	if successCount != 1 {
		t.Errorf("successful consumptions = %d, want 1", successCount)
	}
}

// ============================================================
// RefreshTokenStore Tests
// ============================================================

func TestStore_RotateRefreshToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	if err := store.SaveRefreshToken(ctx, old); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	next := testutil.NewTestRefreshToken(testUserID, testClientID)
	if err := store.RotateRefreshToken(ctx, old.Token, next); err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}

	got, err := store.GetRefreshToken(ctx, old.Token)
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if !got.Revoked || got.ReplacedBy != next.Token {
		t.Errorf("old token Revoked = %v, ReplacedBy = %q", got.Revoked, got.ReplacedBy)
	}

	if err := store.RotateRefreshToken(ctx, old.Token, testutil.NewTestRefreshToken(testUserID, testClientID)); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Errorf("rotating a revoked token error = %v, want ErrRefreshTokenRevoked", err)
	}
}

func TestStore_RotateRefreshToken_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	old.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.SaveRefreshToken(ctx, old)

	next := testutil.NewTestRefreshToken(testUserID, testClientID)
	if err := store.RotateRefreshToken(ctx, old.Token, next); !errors.Is(err, storage.ErrRefreshTokenExpired) {
		t.Fatalf("RotateRefreshToken() error = %v, want ErrRefreshTokenExpired", err)
	}
	if _, err := store.GetRefreshToken(ctx, next.Token); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Error("failed rotation must not store the replacement")
	}
}

func TestStore_RotateRefreshToken_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = store.SaveRefreshToken(ctx, old)

	const numGoroutines = 10
	results := make(chan error, numGoroutines)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.RotateRefreshToken(ctx, old.Token, testutil.NewTestRefreshToken(testUserID, testClientID))
		}()
	}
	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
		}
	}
	if successCount != 1 {
		t.Errorf("successful rotations = %d, want 1", successCount)
	}
}

func TestStore_RevokeRefreshTokensForUserClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mine1 := testutil.NewTestRefreshToken(testUserID, testClientID)
	mine2 := testutil.NewTestRefreshToken(testUserID, testClientID)
	otherClient := testutil.NewTestRefreshToken(testUserID, "other-client")
	for _, rt := range []*storage.RefreshToken{mine1, mine2, otherClient} {
		_ = store.SaveRefreshToken(ctx, rt)
	}

	revoked, err := store.RevokeRefreshTokensForUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("RevokeRefreshTokensForUserClient() error = %v", err)
	}
	if len(revoked) != 2 {
		t.Errorf("revoked %d tokens, want 2", len(revoked))
	}

	got, _ := store.GetRefreshToken(ctx, otherClient.Token)
	if got.Revoked {
		t.Error("token of another client should not be revoked")
	}
}

func TestStore_RevokeRefreshToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rt := testutil.NewTestRefreshToken(testUserID, testClientID)
	_ = store.SaveRefreshToken(ctx, rt)

	for i := 0; i < 2; i++ {
		if err := store.RevokeRefreshToken(ctx, rt.Token); err != nil {
			t.Fatalf("RevokeRefreshToken() call %d error = %v", i, err)
		}
	}
	if err := store.RevokeRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("RevokeRefreshToken(missing) error = %v", err)
	}
}

// ============================================================
// TokenBlacklist Tests
// ============================================================

func TestStore_Blacklist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.BlacklistToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("BlacklistToken() error = %v", err)
	}
	_ = store.BlacklistToken(ctx, "jti-old", time.Now().Add(-time.Second))

	tests := []struct {
		jti  string
		want bool
	}{
		{"jti-1", true},
		{"jti-old", false},
		{"jti-unknown", false},
	}
	for _, tt := range tests {
		got, err := store.IsTokenBlacklisted(ctx, tt.jti)
		if err != nil {
			t.Fatalf("IsTokenBlacklisted() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("IsTokenBlacklisted(%q) = %v, want %v", tt.jti, got, tt.want)
		}
	}
}

// ============================================================
// DeviceCodeStore Tests
// ============================================================

func TestStore_PollDeviceCode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	if err := store.SaveDeviceCode(ctx, dc); err != nil {
		t.Fatalf("SaveDeviceCode() error = %v", err)
	}

	now := dc.CreatedAt
	_, status, err := store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now)
	if err != nil || status != storage.DevicePollPending {
		t.Fatalf("first poll = %v, %v; want pending", status, err)
	}

	_, status, _ = store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(time.Second))
	if status != storage.DevicePollSlowDown {
		t.Fatalf("early poll = %v, want slow_down", status)
	}

	entry, _ := store.GetDeviceCodeByUserCode(ctx, dc.UserCode)
	if want := dc.Interval + storage.SlowDownIncrement; entry.Interval != want {
		t.Errorf("Interval = %v, want %v", entry.Interval, want)
	}

	if _, _, err := store.PollDeviceCode(ctx, dc.DeviceCode, "other-client", now.Add(time.Minute)); !errors.Is(err, storage.ErrDeviceCodeClientMismatch) {
		t.Errorf("poll from other client error = %v", err)
	}

	if err := store.DecideDeviceCode(ctx, dc.UserCode, testUserID, true, now.Add(time.Minute)); err != nil {
		t.Fatalf("DecideDeviceCode() error = %v", err)
	}
	if err := store.DecideDeviceCode(ctx, dc.UserCode, testUserID, false, now.Add(time.Minute)); !errors.Is(err, storage.ErrDeviceCodeDecided) {
		t.Errorf("second DecideDeviceCode() error = %v, want ErrDeviceCodeDecided", err)
	}

	got, status, err := store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(2*time.Minute))
	if err != nil || status != storage.DevicePollAuthorized {
		t.Fatalf("poll after approval = %v, %v; want authorized", status, err)
	}
	if got.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", got.UserID, testUserID)
	}

	if _, _, err := store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, now.Add(3*time.Minute)); !errors.Is(err, storage.ErrDeviceCodeNotFound) {
		t.Errorf("poll after authorization error = %v, want ErrDeviceCodeNotFound", err)
	}
}

func TestStore_PollDeviceCode_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	_ = store.SaveDeviceCode(ctx, dc)

	if _, _, err := store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, dc.ExpiresAt.Add(time.Second)); !errors.Is(err, storage.ErrDeviceCodeExpired) {
		t.Errorf("PollDeviceCode() error = %v, want ErrDeviceCodeExpired", err)
	}
}

func TestStore_PollDeviceCode_ConcurrentAuthorized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dc := testutil.NewTestDeviceCode(testClientID)
	_ = store.SaveDeviceCode(ctx, dc)
	_ = store.DecideDeviceCode(ctx, dc.UserCode, testUserID, true, time.Now())

	const numGoroutines = 10
	statuses := make(chan storage.DevicePollStatus, numGoroutines)

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status, err := store.PollDeviceCode(ctx, dc.DeviceCode, testClientID, time.Now())
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
	store := newTestStore(t)
	ctx := context.Background()

	first := testutil.NewTestDeviceCode(testClientID)
	_ = store.SaveDeviceCode(ctx, first)

	second := testutil.NewTestDeviceCode(testClientID)
	second.UserCode = first.UserCode
	if err := store.SaveDeviceCode(ctx, second); !errors.Is(err, storage.ErrUserCodeExists) {
		t.Errorf("SaveDeviceCode() error = %v, want ErrUserCodeExists", err)
	}
}

// ============================================================
// ConsentStore, SessionStore and NonceStore Tests
// ============================================================

func TestStore_MergeConsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.GetConsent(ctx, testUserID, testClientID); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Fatalf("GetConsent() error = %v, want ErrConsentNotFound", err)
	}

	_, _ = store.MergeConsent(ctx, testUserID, testClientID, []string{"openid", "profile"}, now)
	consent, err := store.MergeConsent(ctx, testUserID, testClientID, []string{"profile", "email"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("MergeConsent() error = %v", err)
	}

	if diff := cmp.Diff([]string{"openid", "profile", "email"}, consent.Scopes); diff != "" {
		t.Errorf("merged scopes mismatch (-want +got):\n%s", diff)
	}
	if !consent.GrantedAt.Equal(now) {
		t.Error("GrantedAt should keep the first grant time")
	}

	if err := store.RevokeConsent(ctx, testUserID, testClientID); err != nil {
		t.Fatalf("RevokeConsent() error = %v", err)
	}
	if _, err := store.GetConsent(ctx, testUserID, testClientID); !errors.Is(err, storage.ErrConsentNotFound) {
		t.Error("consent should be gone after revoke")
	}
}

func TestStore_Sessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := &storage.Session{ID: "s1", UserID: testUserID, ExpiresAt: time.Now().Add(time.Hour)}
	dead := &storage.Session{ID: "s2", UserID: testUserID, ExpiresAt: time.Now().Add(-time.Second)}
	_ = store.SaveSession(ctx, live)
	_ = store.SaveSession(ctx, dead)

	if _, err := store.GetSession(ctx, "s1"); err != nil {
		t.Errorf("GetSession(live) error = %v", err)
	}
	if _, err := store.GetSession(ctx, "s2"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("GetSession(expired) error = %v, want ErrSessionNotFound", err)
	}

	_ = store.DeleteSession(ctx, "s1")
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Error("session should be gone after delete")
	}
}

func TestStore_CheckAndStoreNonce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	if err := store.CheckAndStoreNonce(ctx, testClientID, "n-1", expires); err != nil {
		t.Fatalf("CheckAndStoreNonce() error = %v", err)
	}
	if err := store.CheckAndStoreNonce(ctx, testClientID, "n-1", expires); !errors.Is(err, storage.ErrNonceReplayed) {
		t.Errorf("replayed nonce error = %v, want ErrNonceReplayed", err)
	}
	if err := store.CheckAndStoreNonce(ctx, "other-client", "n-1", expires); err != nil {
		t.Errorf("same nonce for another client error = %v", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store := NewWithInterval(50 * time.Millisecond)
	store.SetLogger(testutil.DiscardLogger())
	defer store.Stop()
	ctx := context.Background()

	code := testutil.NewTestAuthorizationCode(testClientID, testUserID)
	code.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.SaveAuthorizationCode(ctx, code)

	dc := testutil.NewTestDeviceCode(testClientID)
	dc.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.SaveDeviceCode(ctx, dc)

	time.Sleep(200 * time.Millisecond)

	if _, err := store.GetAuthorizationCode(ctx, code.Code); err == nil {
		t.Error("expired authorization code should be cleaned up")
	}
	if _, err := store.GetDeviceCodeByUserCode(ctx, dc.UserCode); err == nil {
		t.Error("expired device code should be cleaned up")
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
