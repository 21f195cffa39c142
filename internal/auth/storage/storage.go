package storage

import (
	"context"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrConflict indicates a write collided with a uniqueness constraint, such
// as a provider subject already claimed by another account.
var ErrConflict = errors.New(errors.CodeConflict, "record conflicts with existing data")

// UserStore persists account records.
//
// Uniqueness of email (case-insensitive) and of each provider subject is
// enforced by the store; Create and Update surface ErrConflict when a write
// collides.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUserByProviderID(ctx context.Context, provider identity.Provider, externalID string) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) error
}

// RefreshToken stores an opaque refresh credential bound to the device that
// obtained it.
type RefreshToken struct {
	Token          string
	UserID         string
	Provider       identity.Provider
	DeviceID       string
	DeviceName     string
	DevicePlatform string
	AppVersion     string
	IP             string
	UserAgent      string
	Fingerprint    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	PutRefreshToken(ctx context.Context, token RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error
}

// SecurityEvent is one append-only audit record. UserID is empty when the
// event happened before an account was resolved.
type SecurityEvent struct {
	ID         string
	UserID     string
	Type       string
	Provider   string
	Platform   string
	DetailJSON string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// EventStore persists security events.
type EventStore interface {
	PutSecurityEvent(ctx context.Context, event SecurityEvent) error
	ListSecurityEvents(ctx context.Context, userID string, limit int) ([]SecurityEvent, error)
}

// TwoFactorConfig stores a user's second-factor enrollment.
type TwoFactorConfig struct {
	UserID    string
	Secret    string
	Method    string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BackupCode stores one hashed recovery code. UsedAt marks consumption.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// TrustedDevice stores a device fingerprint exempted from second-factor
// prompts.
type TrustedDevice struct {
	ID          string
	UserID      string
	Fingerprint string
	Name        string
	CreatedAt   time.Time
	LastSeenAt  time.Time
}

// TwoFactorStore persists second-factor enrollment, backup codes, and
// trusted devices.
type TwoFactorStore interface {
	PutTwoFactorConfig(ctx context.Context, config TwoFactorConfig) error
	GetTwoFactorConfig(ctx context.Context, userID string) (TwoFactorConfig, error)
	DeleteTwoFactorConfig(ctx context.Context, userID string) error

	// ReplaceBackupCodes atomically swaps the user's recovery code set.
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCode) error
	// ConsumeBackupCode marks the unused code matching codeHash as used.
	// It fails with ErrNotFound when no unused code matches, and never
	// consumes the same code twice.
	ConsumeBackupCode(ctx context.Context, userID string, codeHash string, usedAt time.Time) error
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)

	PutTrustedDevice(ctx context.Context, device TrustedDevice) error
	GetTrustedDeviceByFingerprint(ctx context.Context, userID string, fingerprint string) (TrustedDevice, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error)
	DeleteTrustedDevice(ctx context.Context, userID string, deviceID string) error
}

// PasskeyCredential stores a WebAuthn credential for a user.
type PasskeyCredential struct {
	CredentialID   string
	UserID         string
	Name           string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// PasskeyChallenge stores a pending WebAuthn ceremony, registration or
// login, until it is consumed or expires.
type PasskeyChallenge struct {
	ID          string
	Kind        string
	UserID      string
	SessionJSON string
	ExpiresAt   time.Time
}

// PasskeyStore persists WebAuthn credential and challenge data.
type PasskeyStore interface {
	PutPasskeyCredential(ctx context.Context, credential PasskeyCredential) error
	GetPasskeyCredential(ctx context.Context, credentialID string) (PasskeyCredential, error)
	ListPasskeyCredentials(ctx context.Context, userID string) ([]PasskeyCredential, error)
	DeletePasskeyCredential(ctx context.Context, credentialID string) error

	PutPasskeyChallenge(ctx context.Context, challenge PasskeyChallenge) error
	// ConsumePasskeyChallenge removes and returns the unexpired challenge
	// matching id and kind. A second consume of the same id fails with
	// ErrNotFound.
	ConsumePasskeyChallenge(ctx context.Context, id string, kind string, now time.Time) (PasskeyChallenge, error)
	DeleteExpiredPasskeyChallenges(ctx context.Context, now time.Time) error
}
