// Package twofactor implements TOTP enrollment, backup codes, and trusted
// devices as a second authentication factor.
package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/ratelimit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
	"github.com/virtuenet/UpCoach-sub002/internal/platform/id"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	backupCodeSet  = 10
	qrCodeSizePx   = 256
	defaultMethod  = "totp"
	defaultsIssuer = "UpCoach"
)

// Setup is returned once at enrollment; the secret and plaintext backup
// codes are never retrievable again.
type Setup struct {
	Secret      string
	OTPAuthURL  string
	QRCodePNG   string
	BackupCodes []string
}

// Service manages second-factor enrollment and verification.
type Service struct {
	store       storage.TwoFactorStore
	limiter     *ratelimit.Limiter
	recorder    *audit.Recorder
	issuer      string
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService creates a two-factor service.
func NewService(store storage.TwoFactorStore, limiter *ratelimit.Limiter, recorder *audit.Recorder) *Service {
	return &Service{
		store:       store,
		limiter:     limiter,
		recorder:    recorder,
		issuer:      defaultsIssuer,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// WithIssuer overrides the label shown in authenticator apps.
func (s *Service) WithIssuer(issuer string) *Service {
	if issuer != "" {
		s.issuer = issuer
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// WithIDGenerator overrides id generation.
func (s *Service) WithIDGenerator(generator func() (string, error)) *Service {
	if generator != nil {
		s.idGenerator = generator
	}
	return s
}

// GenerateSecret enrolls a pending TOTP secret for the user and mints a
// fresh backup code set. It fails with CONFLICT when a second factor is
// already enabled; re-running before enablement rotates the pending secret.
func (s *Service) GenerateSecret(ctx context.Context, userID, accountName string) (Setup, error) {
	existing, err := s.store.GetTwoFactorConfig(ctx, userID)
	if err == nil && existing.Enabled {
		return Setup{}, apperrors.New(apperrors.CodeConflict, "a second factor is already enabled")
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Setup{}, fmt.Errorf("load two-factor config: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		Period:      totpPeriod,
	})
	if err != nil {
		return Setup{}, fmt.Errorf("generate totp secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, qrCodeSizePx)
	if err != nil {
		return Setup{}, fmt.Errorf("encode provisioning qr: %w", err)
	}

	now := s.clock().UTC()
	plaintext, hashed, err := s.newBackupCodes(now)
	if err != nil {
		return Setup{}, err
	}

	config := storage.TwoFactorConfig{
		UserID:    userID,
		Secret:    key.Secret(),
		Method:    defaultMethod,
		Enabled:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutTwoFactorConfig(ctx, config); err != nil {
		return Setup{}, fmt.Errorf("persist two-factor config: %w", err)
	}
	if err := s.store.ReplaceBackupCodes(ctx, userID, hashed); err != nil {
		return Setup{}, fmt.Errorf("persist backup codes: %w", err)
	}

	return Setup{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCodePNG:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		BackupCodes: plaintext,
	}, nil
}

// VerifyAndEnable confirms the user holds the pending secret and switches
// enforcement on.
func (s *Service) VerifyAndEnable(ctx context.Context, userID, code string) error {
	config, err := s.store.GetTwoFactorConfig(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "no pending second factor enrollment")
	}
	if err != nil {
		return fmt.Errorf("load two-factor config: %w", err)
	}
	if config.Enabled {
		return apperrors.New(apperrors.CodeConflict, "a second factor is already enabled")
	}

	if !s.validateTOTP(code, config.Secret) {
		s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventTwoFactorFailed, Detail: map[string]string{"stage": "enable"}})
		return apperrors.New(apperrors.CodeSecondFactorInvalid, "verification code is incorrect")
	}

	config.Enabled = true
	config.UpdatedAt = s.clock().UTC()
	if err := s.store.PutTwoFactorConfig(ctx, config); err != nil {
		return fmt.Errorf("enable two-factor: %w", err)
	}
	s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventTwoFactorEnabled})
	return nil
}

// Verify accepts the current TOTP code or one unused backup code. Attempts
// are rate limited per user and origin; a success clears the counter.
func (s *Service) Verify(ctx context.Context, userID, code, originIP string) error {
	if err := s.limiter.Admit(ctx, ratelimit.ScopeTwoFactor, userID, originIP); err != nil {
		return err
	}

	config, err := s.store.GetTwoFactorConfig(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !config.Enabled) {
		return apperrors.New(apperrors.CodeSecondFactorInvalid, "second factor is not enabled")
	}
	if err != nil {
		return fmt.Errorf("load two-factor config: %w", err)
	}

	if s.validateTOTP(code, config.Secret) {
		s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventTwoFactorVerified, IP: originIP})
		_ = s.limiter.Reset(ctx, ratelimit.ScopeTwoFactor, userID, originIP)
		return nil
	}

	// Backup code fallback. Consumption is a single atomic update, so a
	// replayed code cannot pass twice.
	err = s.store.ConsumeBackupCode(ctx, userID, hashBackupCode(code), s.clock().UTC())
	if err == nil {
		s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventBackupCodeUsed, IP: originIP})
		_ = s.limiter.Reset(ctx, ratelimit.ScopeTwoFactor, userID, originIP)
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("consume backup code: %w", err)
	}

	s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventTwoFactorFailed, IP: originIP})
	return apperrors.New(apperrors.CodeSecondFactorInvalid, "verification code is incorrect")
}

// Disable removes enforcement and the stored secret. Event history is
// retained for audit.
func (s *Service) Disable(ctx context.Context, userID string) error {
	if _, err := s.store.GetTwoFactorConfig(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "second factor is not enabled")
	} else if err != nil {
		return fmt.Errorf("load two-factor config: %w", err)
	}

	if err := s.store.DeleteTwoFactorConfig(ctx, userID); err != nil {
		return fmt.Errorf("disable two-factor: %w", err)
	}
	s.recorder.Record(ctx, audit.Entry{UserID: userID, Type: audit.EventTwoFactorDisabled})
	return nil
}

// Enabled reports whether the user has an active second factor.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	config, err := s.store.GetTwoFactorConfig(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load two-factor config: %w", err)
	}
	return config.Enabled, nil
}

// RemainingBackupCodes reports how many recovery codes are unused.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnusedBackupCodes(ctx, userID)
}

func (s *Service) validateTOTP(code, secret string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.clock().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// newBackupCodes mints the plaintext set and its stored hashes.
func (s *Service) newBackupCodes(now time.Time) ([]string, []storage.BackupCode, error) {
	plaintext := make([]string, 0, backupCodeSet)
	hashed := make([]storage.BackupCode, 0, backupCodeSet)
	for i := 0; i < backupCodeSet; i++ {
		code, err := newBackupCode()
		if err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		codeID, err := s.idGenerator()
		if err != nil {
			return nil, nil, fmt.Errorf("generate backup code id: %w", err)
		}
		plaintext = append(plaintext, code)
		hashed = append(hashed, storage.BackupCode{
			ID:        codeID,
			CodeHash:  hashBackupCode(code),
			CreatedAt: now,
		})
	}
	return plaintext, hashed, nil
}

// newBackupCode returns a 128-bit code in four hex groups.
func newBackupCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := hex.EncodeToString(buf)
	return raw[:8] + "-" + raw[8:16] + "-" + raw[16:24] + "-" + raw[24:], nil
}

// hashBackupCode normalizes user input before hashing so formatting and
// case differences do not reject a valid code.
func hashBackupCode(code string) string {
	normalized := strings.ToLower(strings.TrimSpace(code))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, " ", "")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
