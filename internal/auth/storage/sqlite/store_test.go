package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testUser(id, email, googleID string) user.User {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	return user.User{
		ID:            id,
		Email:         email,
		EmailVerified: true,
		DisplayName:   "Test User",
		GoogleID:      googleID,
		AuthProvider:  identity.ProviderGoogle,
		Role:          user.RoleUser,
		Status:        user.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestUserRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := testUser("user-1", "alice@example.com", "google-sub-1")
	if err := store.CreateUser(ctx, created); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != "alice@example.com" || got.GoogleID != "google-sub-1" {
		t.Errorf("unexpected user %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, testUser("user-1", "Alice@Example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetUserByEmail(ctx, "ALICE@example.COM")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("got user %q", got.ID)
	}

	if _, err := store.GetUserByEmail(ctx, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("empty email should be ErrNotFound, got %v", err)
	}
}

func TestGetUserByProviderID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := testUser("user-1", "alice@example.com", "google-sub-1")
	u.FacebookID = "fb-sub-1"
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetUserByProviderID(ctx, identity.ProviderFacebook, "fb-sub-1")
	if err != nil {
		t.Fatalf("get by provider id: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("got user %q", got.ID)
	}

	if _, err := store.GetUserByProviderID(ctx, identity.ProviderApple, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	tests := []struct {
		name string
		u    user.User
	}{
		{"duplicate email", testUser("user-2", "alice@example.com", "google-sub-2")},
		{"duplicate provider subject", testUser("user-3", "bob@example.com", "google-sub-1")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.CreateUser(ctx, tc.u); !errors.Is(err, storage.ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
		})
	}

	// Two accounts without an email must not collide.
	first := testUser("user-4", "", "google-sub-4")
	second := testUser("user-5", "", "google-sub-5")
	if err := store.CreateUser(ctx, first); err != nil {
		t.Fatalf("create emailless user: %v", err)
	}
	if err := store.CreateUser(ctx, second); err != nil {
		t.Errorf("second emailless user should not conflict: %v", err)
	}
}

func TestUpdateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := testUser("user-1", "alice@example.com", "google-sub-1")
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	u.AppleID = "apple-sub-1"
	u.EmailVerified = true
	u.UpdatedAt = u.UpdatedAt.Add(time.Minute)
	if err := store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("update user: %v", err)
	}

	got, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.AppleID != "apple-sub-1" {
		t.Errorf("AppleID = %q", got.AppleID)
	}

	missing := testUser("ghost", "ghost@example.com", "")
	if err := store.UpdateUser(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Claiming a subject another account holds surfaces the index violation.
	other := testUser("user-2", "bob@example.com", "google-sub-2")
	if err := store.CreateUser(ctx, other); err != nil {
		t.Fatalf("create second user: %v", err)
	}
	other.GoogleID = "google-sub-1"
	if err := store.UpdateUser(ctx, other); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	token := storage.RefreshToken{
		Token:          "token-1",
		UserID:         "user-1",
		Provider:       identity.ProviderGoogle,
		DeviceID:       "device-1",
		DeviceName:     "Pixel 9",
		DevicePlatform: "mobile",
		AppVersion:     "2.4.0",
		IP:             "203.0.113.9",
		UserAgent:      "upcoach-mobile/2.4.0",
		Fingerprint:    "fp-1",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := store.PutRefreshToken(ctx, token); err != nil {
		t.Fatalf("put refresh token: %v", err)
	}

	got, err := store.GetRefreshToken(ctx, "token-1")
	if err != nil {
		t.Fatalf("get refresh token: %v", err)
	}
	if got.DeviceName != "Pixel 9" || got.Fingerprint != "fp-1" || got.Provider != identity.ProviderGoogle {
		t.Errorf("unexpected token %+v", got)
	}

	if err := store.DeleteRefreshToken(ctx, "token-1"); err != nil {
		t.Fatalf("delete refresh token: %v", err)
	}
	if err := store.DeleteRefreshToken(ctx, "token-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	expired := storage.RefreshToken{Token: "stale", UserID: "user-1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	live := storage.RefreshToken{Token: "live", UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	for _, token := range []storage.RefreshToken{expired, live} {
		if err := store.PutRefreshToken(ctx, token); err != nil {
			t.Fatalf("put %s: %v", token.Token, err)
		}
	}

	if err := store.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired token should be gone, got %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, "live"); err != nil {
		t.Errorf("live token should remain: %v", err)
	}
}

func TestDeleteUserRefreshTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		token := storage.RefreshToken{Token: name, UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		if err := store.PutRefreshToken(ctx, token); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	if err := store.DeleteUserRefreshTokens(ctx, "user-1"); err != nil {
		t.Fatalf("delete user tokens: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, err := store.GetRefreshToken(ctx, name); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("token %s should be revoked, got %v", name, err)
		}
	}
}

func TestSecurityEventsAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	for i, eventType := range []string{"signin_failed", "signin_success", "token_refreshed"} {
		event := storage.SecurityEvent{
			ID:        "event-" + eventType,
			UserID:    "user-1",
			Type:      eventType,
			Provider:  "google",
			Platform:  "mobile",
			IP:        "203.0.113.9",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.PutSecurityEvent(ctx, event); err != nil {
			t.Fatalf("put event %s: %v", eventType, err)
		}
	}

	// Pre-resolution failures carry no user id.
	anonymous := storage.SecurityEvent{ID: "event-anon", Type: "signin_failed", CreatedAt: base}
	if err := store.PutSecurityEvent(ctx, anonymous); err != nil {
		t.Fatalf("put anonymous event: %v", err)
	}

	events, err := store.ListSecurityEvents(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected two events, got %d", len(events))
	}
	if events[0].Type != "token_refreshed" || events[1].Type != "signin_success" {
		t.Errorf("expected newest-first order, got %s then %s", events[0].Type, events[1].Type)
	}
	if events[0].DetailJSON != "{}" {
		t.Errorf("empty detail should default to {}, got %q", events[0].DetailJSON)
	}
}

func TestTwoFactorConfigUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	config := storage.TwoFactorConfig{UserID: "user-1", Secret: "secret-1", Method: "totp", CreatedAt: now, UpdatedAt: now}
	if err := store.PutTwoFactorConfig(ctx, config); err != nil {
		t.Fatalf("put config: %v", err)
	}

	config.Enabled = true
	config.UpdatedAt = now.Add(time.Minute)
	if err := store.PutTwoFactorConfig(ctx, config); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	got, err := store.GetTwoFactorConfig(ctx, "user-1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if !got.Enabled || got.Secret != "secret-1" {
		t.Errorf("unexpected config %+v", got)
	}

	if err := store.DeleteTwoFactorConfig(ctx, "user-1"); err != nil {
		t.Fatalf("delete config: %v", err)
	}
	if _, err := store.GetTwoFactorConfig(ctx, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBackupCodeConsumeIsSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	codes := []storage.BackupCode{
		{ID: "code-1", UserID: "user-1", CodeHash: "hash-1", CreatedAt: now},
		{ID: "code-2", UserID: "user-1", CodeHash: "hash-2", CreatedAt: now},
	}
	if err := store.ReplaceBackupCodes(ctx, "user-1", codes); err != nil {
		t.Fatalf("replace codes: %v", err)
	}

	if err := store.ConsumeBackupCode(ctx, "user-1", "hash-1", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := store.ConsumeBackupCode(ctx, "user-1", "hash-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume must fail with ErrNotFound, got %v", err)
	}

	remaining, err := store.CountUnusedBackupCodes(ctx, "user-1")
	if err != nil {
		t.Fatalf("count codes: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected one unused code, got %d", remaining)
	}

	// Replacing the set clears consumed history.
	if err := store.ReplaceBackupCodes(ctx, "user-1", codes[:1]); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	remaining, err = store.CountUnusedBackupCodes(ctx, "user-1")
	if err != nil {
		t.Fatalf("count codes: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected the replaced set to be fresh, got %d", remaining)
	}
}

func TestTrustedDeviceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	device := storage.TrustedDevice{
		ID:          "device-1",
		UserID:      "user-1",
		Fingerprint: "fp-1",
		Name:        "Pixel 9",
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := store.PutTrustedDevice(ctx, device); err != nil {
		t.Fatalf("put device: %v", err)
	}

	// Re-trusting the same fingerprint refreshes rather than duplicates.
	device.LastSeenAt = now.Add(time.Hour)
	if err := store.PutTrustedDevice(ctx, device); err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	devices, err := store.ListTrustedDevices(ctx, "user-1")
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected one device, got %d", len(devices))
	}

	got, err := store.GetTrustedDeviceByFingerprint(ctx, "user-1", "fp-1")
	if err != nil {
		t.Fatalf("get by fingerprint: %v", err)
	}
	if !got.LastSeenAt.Equal(now.Add(time.Hour)) {
		t.Errorf("LastSeenAt = %v", got.LastSeenAt)
	}

	if err := store.DeleteTrustedDevice(ctx, "user-1", "device-1"); err != nil {
		t.Fatalf("delete device: %v", err)
	}
	if _, err := store.GetTrustedDeviceByFingerprint(ctx, "user-1", "fp-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPasskeyCredentialLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	if err := store.CreateUser(ctx, testUser("user-1", "alice@example.com", "google-sub-1")); err != nil {
		t.Fatalf("create user: %v", err)
	}

	credential := storage.PasskeyCredential{
		CredentialID:   "cred-1",
		UserID:         "user-1",
		Name:           "MacBook",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("put credential: %v", err)
	}

	usedAt := now.Add(time.Hour)
	credential.Name = "MacBook Pro"
	credential.LastUsedAt = &usedAt
	credential.UpdatedAt = usedAt
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("upsert credential: %v", err)
	}

	got, err := store.GetPasskeyCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got.Name != "MacBook Pro" || got.LastUsedAt == nil || !got.LastUsedAt.Equal(usedAt) {
		t.Errorf("unexpected credential %+v", got)
	}

	credentials, err := store.ListPasskeyCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(credentials) != 1 {
		t.Fatalf("expected one credential, got %d", len(credentials))
	}

	if err := store.DeletePasskeyCredential(ctx, "cred-1"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	if err := store.DeletePasskeyCredential(ctx, "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestPasskeyChallengeConsumeOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	challenge := storage.PasskeyChallenge{
		ID:          "challenge-1",
		Kind:        "registration",
		UserID:      "user-1",
		SessionJSON: `{"challenge":"abc"}`,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	if err := store.PutPasskeyChallenge(ctx, challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	got, err := store.ConsumePasskeyChallenge(ctx, "challenge-1", "registration", now)
	if err != nil {
		t.Fatalf("consume challenge: %v", err)
	}
	if got.SessionJSON != `{"challenge":"abc"}` {
		t.Errorf("SessionJSON = %q", got.SessionJSON)
	}

	if _, err := store.ConsumePasskeyChallenge(ctx, "challenge-1", "registration", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume must fail with ErrNotFound, got %v", err)
	}
}

func TestPasskeyChallengeKindAndExpiryChecks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	wrongKind := storage.PasskeyChallenge{ID: "c-kind", Kind: "registration", SessionJSON: "{}", ExpiresAt: now.Add(time.Minute)}
	if err := store.PutPasskeyChallenge(ctx, wrongKind); err != nil {
		t.Fatalf("put challenge: %v", err)
	}
	if _, err := store.ConsumePasskeyChallenge(ctx, "c-kind", "login", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("kind mismatch should be ErrNotFound, got %v", err)
	}
	// A mismatched consume burns the challenge.
	if _, err := store.ConsumePasskeyChallenge(ctx, "c-kind", "registration", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("burned challenge should be gone, got %v", err)
	}

	expired := storage.PasskeyChallenge{ID: "c-stale", Kind: "login", SessionJSON: "{}", ExpiresAt: now.Add(-time.Second)}
	if err := store.PutPasskeyChallenge(ctx, expired); err != nil {
		t.Fatalf("put expired challenge: %v", err)
	}
	if _, err := store.ConsumePasskeyChallenge(ctx, "c-stale", "login", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired challenge should be ErrNotFound, got %v", err)
	}

	if err := store.DeleteExpiredPasskeyChallenges(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
}
