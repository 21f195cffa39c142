package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "v" {
		t.Fatalf("got %q, want %q", value, "v")
	}
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	now = now.Add(time.Minute + time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryIncr(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("incr = %d, want %d", got, want)
		}
	}

	if err := store.Expire(ctx, "counter", time.Minute); err != nil {
		t.Fatalf("expire: %v", err)
	}
	now = now.Add(2 * time.Minute)

	got, err := store.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("incr after expiry: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected counter restart at 1 after expiry, got %d", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryExpireMissingKeyIsNoop(t *testing.T) {
	store := NewMemory()
	if err := store.Expire(context.Background(), "missing", time.Minute); err != nil {
		t.Fatalf("expire missing key: %v", err)
	}
}
