package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

func TestAdmitUpToCeiling(t *testing.T) {
	tests := []struct {
		scope   Scope
		ceiling int64
	}{
		{ScopeGoogle, 10},
		{ScopeApple, 8},
		{ScopeFacebook, 6},
		{ScopeTwoFactor, 5},
	}
	for _, tc := range tests {
		t.Run(string(tc.scope), func(t *testing.T) {
			limiter := New(kv.NewMemory())
			ctx := context.Background()

			for i := int64(0); i < tc.ceiling; i++ {
				if err := limiter.Admit(ctx, tc.scope, "user@example.com", "203.0.113.9"); err != nil {
					t.Fatalf("attempt %d should be admitted: %v", i+1, err)
				}
			}

			err := limiter.Admit(ctx, tc.scope, "user@example.com", "203.0.113.9")
			if err == nil {
				t.Fatal("expected the attempt over the ceiling to be rejected")
			}
			if got := apperrors.CodeOf(err); got != apperrors.CodeRateLimited {
				t.Errorf("error code = %s, want %s", got, apperrors.CodeRateLimited)
			}
		})
	}
}

func TestAdmitAgainAfterWindowRollsOver(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	store := kv.NewMemory().WithClock(func() time.Time { return now })
	limiter := New(store)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Admit(ctx, ScopeFacebook, "user@example.com", "203.0.113.9")
	}
	if err := limiter.Admit(ctx, ScopeFacebook, "user@example.com", "203.0.113.9"); err == nil {
		t.Fatal("expected rejection inside the window")
	}

	now = now.Add(DefaultWindow + time.Second)
	if err := limiter.Admit(ctx, ScopeFacebook, "user@example.com", "203.0.113.9"); err != nil {
		t.Fatalf("expected admission after the window elapsed: %v", err)
	}
}

func TestAdmitKeysAreIndependent(t *testing.T) {
	limiter := New(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Admit(ctx, ScopeFacebook, "user@example.com", "203.0.113.9")
	}
	if err := limiter.Admit(ctx, ScopeFacebook, "user@example.com", "203.0.113.9"); err == nil {
		t.Fatal("expected rejection for the saturated key")
	}

	// A different origin, identifier, or scope keeps its own counter.
	if err := limiter.Admit(ctx, ScopeFacebook, "user@example.com", "198.51.100.7"); err != nil {
		t.Errorf("different origin should be admitted: %v", err)
	}
	if err := limiter.Admit(ctx, ScopeFacebook, "other@example.com", "203.0.113.9"); err != nil {
		t.Errorf("different identifier should be admitted: %v", err)
	}
	if err := limiter.Admit(ctx, ScopeGoogle, "user@example.com", "203.0.113.9"); err != nil {
		t.Errorf("different scope should be admitted: %v", err)
	}
}

func TestResetClearsTheCounter(t *testing.T) {
	limiter := New(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = limiter.Admit(ctx, ScopeTwoFactor, "user-1", "203.0.113.9")
	}
	if err := limiter.Admit(ctx, ScopeTwoFactor, "user-1", "203.0.113.9"); err == nil {
		t.Fatal("expected saturation before reset")
	}

	if err := limiter.Reset(ctx, ScopeTwoFactor, "user-1", "203.0.113.9"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := limiter.Admit(ctx, ScopeTwoFactor, "user-1", "203.0.113.9"); err != nil {
		t.Errorf("expected admission after reset: %v", err)
	}
}

func TestAdmitIdentifierNormalization(t *testing.T) {
	limiter := New(kv.NewMemory())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_ = limiter.Admit(ctx, ScopeFacebook, "User@Example.Com", "203.0.113.9")
	}
	err := limiter.Admit(ctx, ScopeFacebook, " user@example.com ", "203.0.113.9")
	if !errors.Is(err, apperrors.New(apperrors.CodeRateLimited, "")) {
		t.Error("expected case and whitespace variants to share one counter")
	}
}
