package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// PutRefreshToken stores a refresh token with its device snapshot.
func (s *Store) PutRefreshToken(ctx context.Context, token storage.RefreshToken) error {
	if token.Token == "" || token.UserID == "" {
		return fmt.Errorf("refresh token and user id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO refresh_tokens (
	token, user_id, provider,
	device_id, device_name, device_platform, app_version,
	ip, user_agent, fingerprint,
	created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		token.Token,
		token.UserID,
		string(token.Provider),
		token.DeviceID,
		token.DeviceName,
		token.DevicePlatform,
		token.AppVersion,
		token.IP,
		token.UserAgent,
		token.Fingerprint,
		toMillis(token.CreatedAt),
		toMillis(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the stored refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (storage.RefreshToken, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT token, user_id, provider,
	device_id, device_name, device_platform, app_version,
	ip, user_agent, fingerprint,
	created_at, expires_at
FROM refresh_tokens
WHERE token = ?
`, token)

	var record storage.RefreshToken
	var provider string
	var createdAt, expiresAt int64
	err := row.Scan(
		&record.Token,
		&record.UserID,
		&provider,
		&record.DeviceID,
		&record.DeviceName,
		&record.DevicePlatform,
		&record.AppVersion,
		&record.IP,
		&record.UserAgent,
		&record.Fingerprint,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RefreshToken{}, fmt.Errorf("scan refresh token: %w", err)
	}
	record.Provider = identity.Provider(provider)
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	return record, nil
}

// DeleteRefreshToken removes one refresh token.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteUserRefreshTokens revokes every session belonging to a user.
func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes tokens past their expiry.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return nil
}
