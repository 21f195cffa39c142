// Package kv defines the key-value cache contract shared by the rate
// limiter, the provider key cache, and challenge storage.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key is missing or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal key-value cache with counter support.
//
// Incr must be atomic against the backing store; the rate limiter's
// increment-and-check correctness depends on it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
