package identity

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

const testAppleServiceID = "com.example.upcoach.web"

func newTestAppleVerifier(t *testing.T, pairs ...testKeyPair) (*AppleVerifier, func() time.Time) {
	t.Helper()
	server, _ := newJWKSServer(t, pairs...)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	verifier := NewAppleVerifier(AppleConfig{
		WebClientID:    testAppleServiceID,
		MobileClientID: "com.example.upcoach.ios",
		JWKSURL:        server.URL,
	}, nil).WithClock(clock)
	return verifier, clock
}

func TestAppleVerifyValidToken(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	credential := signIDToken(t, pair, appleClaims(clock(), testAppleServiceID))
	got, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if got.Provider() != ProviderApple {
		t.Errorf("Provider() = %s, want apple", got.Provider())
	}
	if got.ExternalID() != "apple-user-1" {
		t.Errorf("ExternalID() = %q, want the token subject", got.ExternalID())
	}
	if !got.EmailVerified() {
		t.Error("expected string-encoded email_verified to parse as true")
	}
	signal := got.TrustSignal()
	if signal.RealUserStatus != RealUserLikelyReal {
		t.Errorf("RealUserStatus = %d, want likely real", signal.RealUserStatus)
	}
	if len(signal.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", signal.Warnings)
	}
}

func TestAppleVerifyLowConfidenceIsWarningNotFailure(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	claims["real_user_status"] = float64(1)
	credential := signIDToken(t, pair, claims)

	got, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if err != nil {
		t.Fatalf("low-confidence real-user score must not fail verification: %v", err)
	}
	signal := got.TrustSignal()
	if signal.RealUserStatus != RealUserUnknown {
		t.Errorf("RealUserStatus = %d, want unknown", signal.RealUserStatus)
	}
	if len(signal.Warnings) == 0 {
		t.Error("expected a warning for an unconfirmed real-user score")
	}
}

func TestAppleVerifyStaleIssuedAt(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	claims["iat"] = clock().Add(-15 * time.Minute).Unix()
	credential := signIDToken(t, pair, claims)

	_, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if err == nil {
		t.Fatal("expected a 15-minute-old token to be rejected")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeExpiredToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeExpiredToken)
	}
}

func TestAppleVerifyRecentIssuedAtWithinBound(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	claims["iat"] = clock().Add(-9 * time.Minute).Unix()
	credential := signIDToken(t, pair, claims)

	if _, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{}); err != nil {
		t.Fatalf("expected a 9-minute-old token to verify, got %v", err)
	}
}

func TestAppleVerifyMissingIssuedAt(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	delete(claims, "iat")
	credential := signIDToken(t, pair, claims)

	_, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if err == nil {
		t.Fatal("expected a token without iat to be rejected")
	}
	if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidToken {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeInvalidToken)
	}
}

func TestAppleVerifyUntrustedIssuer(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	claims["iss"] = googleIssuer
	credential := signIDToken(t, pair, claims)

	_, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if got := apperrors.CodeOf(err); got != apperrors.CodeUntrustedIssuer {
		t.Errorf("error code = %s, want %s", got, apperrors.CodeUntrustedIssuer)
	}
}

func TestAppleVerifyPrivateRelayEmail(t *testing.T) {
	pair := newTestKeyPair(t, "apple-kid")
	verifier, clock := newTestAppleVerifier(t, pair)

	claims := appleClaims(clock(), testAppleServiceID)
	claims["email"] = "abc123@privaterelay.appleid.com"
	claims["is_private_email"] = "true"
	credential := signIDToken(t, pair, claims)

	got, err := verifier.Verify(context.Background(), credential, PlatformWeb, Options{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	apple, ok := got.(AppleIdentity)
	if !ok {
		t.Fatalf("expected AppleIdentity, got %T", got)
	}
	if !apple.IsPrivate {
		t.Error("expected private relay flag to be set")
	}
}

func TestParseRealUserStatus(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  RealUserStatus
	}{
		{"likely real", float64(2), RealUserLikelyReal},
		{"unknown", float64(1), RealUserUnknown},
		{"unsupported", float64(0), RealUserUnsupported},
		{"absent", nil, RealUserUnsupported},
		{"wrong type", "2", RealUserUnsupported},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRealUserStatus(tc.value); got != tc.want {
				t.Errorf("parseRealUserStatus(%v) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}

func TestDisplayNameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "alice"},
		{"", ""},
		{"not-an-email", ""},
	}
	for _, tc := range tests {
		if got := displayNameFromEmail(tc.email); got != tc.want {
			t.Errorf("displayNameFromEmail(%q) = %q, want %q", tc.email, got, tc.want)
		}
	}
}
