// Package ratelimit admits authentication attempts under fixed-window
// counters shared by sign-in, provider linking, and second-factor flows.
package ratelimit

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/kv"
)

// Scope names the flow whose ceiling applies to an admission attempt.
type Scope string

const (
	ScopeGoogle    Scope = "google"
	ScopeApple     Scope = "apple"
	ScopeFacebook  Scope = "facebook"
	ScopeTwoFactor Scope = "twofactor"
)

// DefaultWindow is the fixed window over which attempts accumulate.
const DefaultWindow = 5 * time.Minute

// DefaultCeilings are the per-scope attempt ceilings inside one window.
var DefaultCeilings = map[Scope]int64{
	ScopeGoogle:    10,
	ScopeApple:     8,
	ScopeFacebook:  6,
	ScopeTwoFactor: 5,
}

// Limiter counts admissions per (scope, identifier, origin) in a kv.Store.
//
// The store's atomic Incr is the authoritative check; there is no separate
// read-then-write race window.
type Limiter struct {
	store    kv.Store
	window   time.Duration
	ceilings map[Scope]int64
}

// New creates a limiter with the default window and ceilings.
func New(store kv.Store) *Limiter {
	return &Limiter{
		store:    store,
		window:   DefaultWindow,
		ceilings: DefaultCeilings,
	}
}

// WithWindow overrides the window length.
func (l *Limiter) WithWindow(window time.Duration) *Limiter {
	if window > 0 {
		l.window = window
	}
	return l
}

// WithCeilings overrides the per-scope ceilings.
func (l *Limiter) WithCeilings(ceilings map[Scope]int64) *Limiter {
	if len(ceilings) > 0 {
		l.ceilings = ceilings
	}
	return l
}

// Admit counts one attempt and fails with RATE_LIMITED once the scope's
// ceiling is exceeded inside the current window. The first attempt in a
// window starts the window's expiry.
func (l *Limiter) Admit(ctx context.Context, scope Scope, identifier, originIP string) error {
	key := l.key(scope, identifier, originIP)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// A broken counter backend must not lock every user out.
		return nil
	}
	if count == 1 {
		_ = l.store.Expire(ctx, key, l.window)
	}

	ceiling, ok := l.ceilings[scope]
	if !ok {
		ceiling = DefaultCeilings[ScopeTwoFactor]
	}
	if count > ceiling {
		return apperrors.WithMetadata(apperrors.CodeRateLimited, "too many attempts, retry later", map[string]string{
			"scope": string(scope),
		})
	}
	return nil
}

// Reset clears the counter, used after a successful second-factor
// verification so earlier failures stop counting against the user.
func (l *Limiter) Reset(ctx context.Context, scope Scope, identifier, originIP string) error {
	return l.store.Delete(ctx, l.key(scope, identifier, originIP))
}

func (l *Limiter) key(scope Scope, identifier, originIP string) string {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	originIP = strings.TrimSpace(originIP)
	return "ratelimit:" + string(scope) + ":" + identifier + ":" + originIP
}
