// Package token issues device-bound token pairs: a short-lived signed
// access token and an opaque rotating refresh token.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
	apperrors "github.com/virtuenet/UpCoach-sub002/internal/platform/errors"
)

const (
	// DefaultAccessTTL bounds access token lifetime.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL is the development refresh window; production
	// deployments configure a shorter one.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	refreshTokenBytes = 32
)

// Device is the client snapshot captured when a token pair is issued.
type Device struct {
	ID         string
	Name       string
	Platform   string
	AppVersion string
	IP         string
	UserAgent  string
}

// Fingerprint derives a stable digest from the device metadata that does
// not churn between requests. IP and app version are excluded; they change
// on network moves and upgrades.
func Fingerprint(device Device) string {
	stable := strings.Join([]string{device.ID, device.Platform, device.UserAgent}, "|")
	sum := sha256.Sum256([]byte(stable))
	return hex.EncodeToString(sum[:])
}

// Pair is one issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	AccessExpiresIn  int64
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Issuer mints and rotates token pairs.
type Issuer struct {
	secret     []byte
	issuerName string
	accessTTL  time.Duration
	refreshTTL time.Duration

	users    storage.UserStore
	tokens   storage.RefreshTokenStore
	recorder *audit.Recorder
	logger   *zap.Logger
	clock    func() time.Time
}

// NewIssuer creates a token issuer. The signing secret must be non-empty.
func NewIssuer(secret string, issuerName string, users storage.UserStore, tokens storage.RefreshTokenStore, recorder *audit.Recorder, logger *zap.Logger) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		secret:     []byte(secret),
		issuerName: issuerName,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		users:      users,
		tokens:     tokens,
		recorder:   recorder,
		logger:     logger,
		clock:      time.Now,
	}, nil
}

// WithTTLs overrides access and refresh lifetimes.
func (i *Issuer) WithTTLs(access, refresh time.Duration) *Issuer {
	if access > 0 {
		i.accessTTL = access
	}
	if refresh > 0 {
		i.refreshTTL = refresh
	}
	return i
}

// WithClock overrides the time source.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	if clock != nil {
		i.clock = clock
	}
	return i
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Issue mints a token pair for the user on the given device. The refresh
// record must persist for the pair to be valid, so a storage failure fails
// the whole issuance.
func (i *Issuer) Issue(ctx context.Context, u user.User, device Device, provider identity.Provider) (Pair, error) {
	now := i.clock().UTC()

	accessToken, err := i.signAccess(u, now)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshValue, err := newRefreshToken()
	if err != nil {
		return Pair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	record := storage.RefreshToken{
		Token:          refreshValue,
		UserID:         u.ID,
		Provider:       provider,
		DeviceID:       device.ID,
		DeviceName:     device.Name,
		DevicePlatform: device.Platform,
		AppVersion:     device.AppVersion,
		IP:             device.IP,
		UserAgent:      device.UserAgent,
		Fingerprint:    Fingerprint(device),
		CreatedAt:      now,
		ExpiresAt:      now.Add(i.refreshTTL),
	}
	if err := i.tokens.PutRefreshToken(ctx, record); err != nil {
		return Pair{}, fmt.Errorf("persist refresh token: %w", err)
	}

	return Pair{
		AccessToken:      accessToken,
		AccessExpiresIn:  int64(i.accessTTL.Seconds()),
		RefreshToken:     refreshValue,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Refresh rotates a token pair. The presented device is fingerprinted
// against the issuing device; a mismatch is recorded as a security event
// and logged, but does not reject the rotation.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string, device Device) (Pair, user.User, error) {
	record, err := i.tokens.GetRefreshToken(ctx, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return Pair{}, user.User{}, apperrors.New(apperrors.CodeInvalidToken, "refresh token is not recognized")
	}
	if err != nil {
		return Pair{}, user.User{}, fmt.Errorf("load refresh token: %w", err)
	}

	now := i.clock().UTC()
	if !record.ExpiresAt.After(now) {
		_ = i.tokens.DeleteRefreshToken(ctx, refreshToken)
		return Pair{}, user.User{}, apperrors.New(apperrors.CodeExpiredToken, "refresh token has expired")
	}

	u, err := i.users.GetUser(ctx, record.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		_ = i.tokens.DeleteRefreshToken(ctx, refreshToken)
		return Pair{}, user.User{}, apperrors.New(apperrors.CodeInvalidToken, "refresh token subject no longer exists")
	}
	if err != nil {
		return Pair{}, user.User{}, fmt.Errorf("load user: %w", err)
	}
	if u.Disabled() {
		_ = i.tokens.DeleteRefreshToken(ctx, refreshToken)
		return Pair{}, user.User{}, apperrors.New(apperrors.CodeInsufficientPermissions, "account is not active")
	}

	if presented := Fingerprint(device); presented != record.Fingerprint {
		i.logger.Warn("refresh device fingerprint mismatch",
			zap.String("user_id", u.ID),
			zap.String("device_id", device.ID),
		)
		i.recorder.Record(ctx, audit.Entry{
			UserID:   u.ID,
			Type:     audit.EventDeviceMismatch,
			Provider: string(record.Provider),
			Platform: device.Platform,
			Detail: map[string]string{
				"issued_device_id":    record.DeviceID,
				"presented_device_id": device.ID,
			},
			IP:        device.IP,
			UserAgent: device.UserAgent,
		})
	}

	pair, err := i.Issue(ctx, u, device, record.Provider)
	if err != nil {
		return Pair{}, user.User{}, err
	}
	if err := i.tokens.DeleteRefreshToken(ctx, refreshToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Pair{}, user.User{}, fmt.Errorf("retire refresh token: %w", err)
	}

	i.recorder.Record(ctx, audit.Entry{
		UserID:    u.ID,
		Type:      audit.EventTokenRefreshed,
		Provider:  string(record.Provider),
		Platform:  device.Platform,
		IP:        device.IP,
		UserAgent: device.UserAgent,
	})
	return pair, u, nil
}

// Revoke retires one refresh token. Revoking an unknown token succeeds so
// logout stays idempotent.
func (i *Issuer) Revoke(ctx context.Context, refreshToken string) error {
	err := i.tokens.DeleteRefreshToken(ctx, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// RevokeAll retires every refresh token held by a user.
func (i *Issuer) RevokeAll(ctx context.Context, userID string) error {
	return i.tokens.DeleteUserRefreshTokens(ctx, userID)
}

// AccessIdentity is the subject decoded from a valid access token.
type AccessIdentity struct {
	UserID string
	Email  string
	Role   string
}

// VerifyAccess validates a bearer token and returns its subject.
func (i *Issuer) VerifyAccess(tokenString string) (AccessIdentity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return i.clock().UTC() }),
		jwt.WithLeeway(time.Minute),
	)

	var claims accessClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return AccessIdentity{}, apperrors.New(apperrors.CodeExpiredToken, "access token has expired")
	}
	if err != nil {
		return AccessIdentity{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "access token is invalid", err)
	}
	if i.issuerName != "" && claims.Issuer != i.issuerName {
		return AccessIdentity{}, apperrors.New(apperrors.CodeUnauthenticated, "access token issuer is invalid")
	}
	if claims.Subject == "" {
		return AccessIdentity{}, apperrors.New(apperrors.CodeUnauthenticated, "access token subject is missing")
	}
	return AccessIdentity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

func (i *Issuer) signAccess(u user.User, now time.Time) (string, error) {
	claims := accessClaims{
		Email: u.Email,
		Role:  string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    i.issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
