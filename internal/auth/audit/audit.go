// Package audit appends security events to durable storage.
//
// Recording is fire-and-forget: a failed write is logged and swallowed so
// auditing can never mask or fail the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// Security event types recorded across authentication flows.
const (
	EventTokenVerified        = "token_verified"
	EventUserCreated          = "user_created"
	EventAccountLinked        = "account_linked"
	EventAccountUnlinked      = "account_unlinked"
	EventSignInSuccess        = "signin_success"
	EventSignInFailed         = "signin_failed"
	EventTokenRefreshed       = "token_refreshed"
	EventWebhookReceived      = "webhook_received"
	EventWebhookRejected      = "webhook_rejected"
	EventTwoFactorEnabled     = "2fa_enabled"
	EventTwoFactorDisabled    = "2fa_disabled"
	EventTwoFactorVerified    = "2fa_verified"
	EventTwoFactorFailed      = "2fa_failed"
	EventBackupCodeUsed       = "backup_code_used"
	EventTrustedDeviceAdded   = "trusted_device_added"
	EventTrustedDeviceRemoved = "trusted_device_removed"
	EventPasskeyRegistered    = "passkey_registered"
	EventPasskeyLogin         = "passkey_login"
	EventPasskeyCloneWarning  = "passkey_clone_warning"
	EventDeviceMismatch       = "device_mismatch"
	EventPasswordSet          = "password_set"
)

// Entry describes one security event before persistence. UserID may be
// empty when the event precedes account resolution.
type Entry struct {
	UserID    string
	Type      string
	Provider  string
	Platform  string
	Detail    map[string]string
	IP        string
	UserAgent string
}

// Recorder writes security events.
type Recorder struct {
	events storage.EventStore
	logger *zap.Logger
	clock  func() time.Time
}

// NewRecorder creates a recorder over the event store.
func NewRecorder(events storage.EventStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		events: events,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// Record appends one event. It never returns an error; storage failures are
// logged with the event type so operators can see audit gaps.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil || r.events == nil || entry.Type == "" {
		return
	}

	detail := "{}"
	if len(entry.Detail) > 0 {
		if raw, err := json.Marshal(entry.Detail); err == nil {
			detail = string(raw)
		}
	}

	event := storage.SecurityEvent{
		ID:         uuid.NewString(),
		UserID:     entry.UserID,
		Type:       entry.Type,
		Provider:   entry.Provider,
		Platform:   entry.Platform,
		DetailJSON: detail,
		IP:         entry.IP,
		UserAgent:  entry.UserAgent,
		CreatedAt:  r.clock().UTC(),
	}
	if err := r.events.PutSecurityEvent(ctx, event); err != nil {
		r.logger.Warn("security event write failed",
			zap.String("event_type", entry.Type),
			zap.String("user_id", entry.UserID),
			zap.Error(err),
		)
	}
}

// List returns the newest events for a user.
func (r *Recorder) List(ctx context.Context, userID string, limit int) ([]storage.SecurityEvent, error) {
	return r.events.ListSecurityEvents(ctx, userID, limit)
}
