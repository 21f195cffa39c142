package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests exercising expiry.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Get returns the value for key, or ErrNotFound when missing or expired.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.clock()) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set stores value under key with an optional TTL; ttl <= 0 means no expiry.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.clock().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Incr atomically increments the counter at key and returns the new value.
// A missing or expired key restarts the counter at 1 with no expiry until
// Expire is called.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.clock()) {
		m.entries[key] = memoryEntry{value: "1"}
		return 1, nil
	}
	current, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		current = 0
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	m.entries[key] = entry
	return current, nil
}

// Expire sets the TTL on an existing key; missing keys are ignored.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(m.clock()) {
		return nil
	}
	if ttl > 0 {
		entry.expiresAt = m.clock().Add(ttl)
	} else {
		entry.expiresAt = time.Time{}
	}
	m.entries[key] = entry
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

var _ Store = (*Memory)(nil)
