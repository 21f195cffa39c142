package token

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage/sqlite"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

type captureEvents struct {
	events []storage.SecurityEvent
}

func (c *captureEvents) PutSecurityEvent(_ context.Context, event storage.SecurityEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) ListSecurityEvents(context.Context, string, int) ([]storage.SecurityEvent, error) {
	return c.events, nil
}

type tokenFixture struct {
	issuer *Issuer
	store  *sqlite.Store
	events *captureEvents
	now    *time.Time
	user   user.User
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	events := &captureEvents{}
	recorder := audit.NewRecorder(events, nil).WithClock(func() time.Time { return now })

	issuer, err := NewIssuer("test-signing-secret", "upcoach-auth", store, store, recorder, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	fixture := &tokenFixture{issuer: issuer, store: store, events: events, now: &now}
	issuer.WithClock(func() time.Time { return *fixture.now })

	fixture.user = user.User{
		ID:           "user-1",
		Email:        "alice@example.com",
		GoogleID:     "google-sub-1",
		AuthProvider: identity.ProviderGoogle,
		Role:         user.RoleUser,
		Status:       user.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(context.Background(), fixture.user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return fixture
}

func testDevice() Device {
	return Device{
		ID:         "device-1",
		Name:       "Pixel 9",
		Platform:   "mobile",
		AppVersion: "2.4.0",
		IP:         "203.0.113.9",
		UserAgent:  "upcoach-mobile/2.4.0",
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("  ", "iss", nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssueAndVerifyAccess(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(pair.RefreshToken) != 64 {
		t.Errorf("refresh token length = %d, want 64 hex chars", len(pair.RefreshToken))
	}
	if pair.AccessExpiresIn != 3600 {
		t.Errorf("AccessExpiresIn = %d", pair.AccessExpiresIn)
	}

	subject, err := fixture.issuer.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if subject.UserID != "user-1" || subject.Email != "alice@example.com" || subject.Role != "user" {
		t.Errorf("unexpected subject %+v", subject)
	}

	record, err := fixture.store.GetRefreshToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("load refresh record: %v", err)
	}
	if record.Fingerprint != Fingerprint(testDevice()) {
		t.Error("stored fingerprint does not match the issuing device")
	}
	if !record.ExpiresAt.Equal(fixture.now.Add(DefaultRefreshTTL)) {
		t.Errorf("ExpiresAt = %v", record.ExpiresAt)
	}
}

func TestVerifyAccessFailures(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	t.Run("expired", func(t *testing.T) {
		*fixture.now = fixture.now.Add(2 * time.Hour)
		defer func() { *fixture.now = fixture.now.Add(-2 * time.Hour) }()
		_, err := fixture.issuer.VerifyAccess(pair.AccessToken)
		if got := apperrors.CodeOf(err); got != apperrors.CodeExpiredToken {
			t.Errorf("error code = %s, want %s", got, apperrors.CodeExpiredToken)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := fixture.issuer.VerifyAccess("not-a-token")
		if got := apperrors.CodeOf(err); got != apperrors.CodeUnauthenticated {
			t.Errorf("error code = %s, want %s", got, apperrors.CodeUnauthenticated)
		}
	})

	t.Run("foreign issuer", func(t *testing.T) {
		foreign, err := NewIssuer("test-signing-secret", "someone-else", fixture.store, fixture.store, nil, nil)
		if err != nil {
			t.Fatalf("new issuer: %v", err)
		}
		foreign.WithClock(func() time.Time { return *fixture.now })
		_, err = foreign.VerifyAccess(pair.AccessToken)
		if got := apperrors.CodeOf(err); got != apperrors.CodeUnauthenticated {
			t.Errorf("error code = %s, want %s", got, apperrors.CodeUnauthenticated)
		}
	})
}

func TestRefreshRotatesPair(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotated, u, err := fixture.issuer.Refresh(ctx, pair.RefreshToken, testDevice())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if u.ID != "user-1" {
		t.Errorf("refreshed user %q", u.ID)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("refresh must rotate the opaque token")
	}

	var refreshed bool
	for _, event := range fixture.events.events {
		if event.Type == "token_refreshed" && event.UserID == "user-1" {
			refreshed = true
		}
	}
	if !refreshed {
		t.Error("expected a token_refreshed security event")
	}

	// The retired token no longer refreshes.
	_, _, err = fixture.issuer.Refresh(ctx, pair.RefreshToken, testDevice())
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeInvalidToken)
	}

	// The rotated token still works.
	if _, _, err := fixture.issuer.Refresh(ctx, rotated.RefreshToken, testDevice()); err != nil {
		t.Errorf("rotated token should refresh: %v", err)
	}
}

func TestRefreshExpired(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	*fixture.now = fixture.now.Add(DefaultRefreshTTL + time.Hour)
	_, _, err = fixture.issuer.Refresh(ctx, pair.RefreshToken, testDevice())
	if got := apperrors.CodeOf(err); got != apperrors.CodeExpiredToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeExpiredToken)
	}
}

func TestRefreshRejectsSuspendedAccount(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	suspended := fixture.user
	suspended.Status = user.StatusSuspended
	if err := fixture.store.UpdateUser(ctx, suspended); err != nil {
		t.Fatalf("suspend user: %v", err)
	}

	_, _, err = fixture.issuer.Refresh(ctx, pair.RefreshToken, testDevice())
	if got := apperrors.CodeOf(err); got != apperrors.CodeInsufficientPermissions {
		t.Fatalf("error code = %s, want %s", got, apperrors.CodeInsufficientPermissions)
	}

	// The presented token is retired, not left usable for later.
	_, _, err = fixture.issuer.Refresh(ctx, pair.RefreshToken, testDevice())
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeInvalidToken)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	fixture := newTokenFixture(t)
	_, _, err := fixture.issuer.Refresh(context.Background(), "nonexistent", testDevice())
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeInvalidToken)
	}
}

func TestRefreshFingerprintMismatchIsLoggedNotRejected(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	different := testDevice()
	different.ID = "device-2"
	different.UserAgent = "upcoach-web/1.0"
	rotated, _, err := fixture.issuer.Refresh(ctx, pair.RefreshToken, different)
	if err != nil {
		t.Fatalf("mismatched refresh must still succeed: %v", err)
	}
	if rotated.RefreshToken == "" {
		t.Fatal("expected a rotated pair")
	}

	var found bool
	for _, event := range fixture.events.events {
		if event.Type == "device_mismatch" && event.UserID == "user-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected a device_mismatch security event")
	}
}

type failingTokenStore struct {
	storage.RefreshTokenStore
}

func (f failingTokenStore) PutRefreshToken(context.Context, storage.RefreshToken) error {
	return errors.New("disk full")
}

func TestIssueFailsWhenPersistenceFails(t *testing.T) {
	fixture := newTokenFixture(t)

	broken, err := NewIssuer("test-signing-secret", "upcoach-auth", fixture.store, failingTokenStore{fixture.store}, nil, nil)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	if _, err := broken.Issue(context.Background(), fixture.user, testDevice(), identity.ProviderGoogle); err == nil {
		t.Fatal("a failed refresh persistence must fail issuance")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	fixture := newTokenFixture(t)
	ctx := context.Background()

	pair, err := fixture.issuer.Issue(ctx, fixture.user, testDevice(), identity.ProviderGoogle)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := fixture.issuer.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := fixture.issuer.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Errorf("second revoke should succeed: %v", err)
	}
}

func TestFingerprintStability(t *testing.T) {
	base := testDevice()

	moved := base
	moved.IP = "198.51.100.7"
	moved.AppVersion = "2.5.0"
	if Fingerprint(base) != Fingerprint(moved) {
		t.Error("ip and app version changes must not change the fingerprint")
	}

	other := base
	other.ID = "device-2"
	if Fingerprint(base) == Fingerprint(other) {
		t.Error("different devices must not collide")
	}
}
