package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// PutTwoFactorConfig upserts a user's second-factor enrollment.
func (s *Store) PutTwoFactorConfig(ctx context.Context, config storage.TwoFactorConfig) error {
	if config.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO two_factor_configs (user_id, secret, method, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	secret = excluded.secret,
	method = excluded.method,
	enabled = excluded.enabled,
	updated_at = excluded.updated_at
`,
		config.UserID,
		config.Secret,
		config.Method,
		config.Enabled,
		toMillis(config.CreatedAt),
		toMillis(config.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert two-factor config: %w", err)
	}
	return nil
}

// GetTwoFactorConfig returns a user's second-factor enrollment.
func (s *Store) GetTwoFactorConfig(ctx context.Context, userID string) (storage.TwoFactorConfig, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, secret, method, enabled, created_at, updated_at
FROM two_factor_configs
WHERE user_id = ?
`, userID)

	var config storage.TwoFactorConfig
	var createdAt, updatedAt int64
	err := row.Scan(&config.UserID, &config.Secret, &config.Method, &config.Enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TwoFactorConfig{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.TwoFactorConfig{}, fmt.Errorf("scan two-factor config: %w", err)
	}
	config.CreatedAt = fromMillis(createdAt)
	config.UpdatedAt = fromMillis(updatedAt)
	return config, nil
}

// DeleteTwoFactorConfig removes enrollment along with its backup codes.
func (s *Store) DeleteTwoFactorConfig(ctx context.Context, userID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete two-factor config: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_configs WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete two-factor config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete two-factor config: %w", err)
	}
	return nil
}

// ReplaceBackupCodes swaps the user's full recovery code set in one
// transaction.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []storage.BackupCode) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace backup codes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}
	for _, code := range codes {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO backup_codes (id, user_id, code_hash, used_at, created_at)
VALUES (?, ?, ?, ?, ?)
`,
			code.ID,
			userID,
			code.CodeHash,
			nullMillis(code.UsedAt),
			toMillis(code.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace backup codes: %w", err)
	}
	return nil
}

// ConsumeBackupCode marks one unused code matching codeHash as used. The
// single UPDATE makes consumption atomic: a concurrent attempt with the
// same code finds zero rows and fails with ErrNotFound.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, codeHash string, usedAt time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE backup_codes
SET used_at = ?
WHERE id IN (
	SELECT id FROM backup_codes
	WHERE user_id = ? AND code_hash = ? AND used_at IS NULL
	LIMIT 1
)
`, toMillis(usedAt), userID, codeHash)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume backup code rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountUnusedBackupCodes reports how many recovery codes remain.
func (s *Store) CountUnusedBackupCodes(ctx context.Context, userID string) (int, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM backup_codes WHERE user_id = ? AND used_at IS NULL
`, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return count, nil
}

// PutTrustedDevice upserts a trusted device by (user, fingerprint).
func (s *Store) PutTrustedDevice(ctx context.Context, device storage.TrustedDevice) error {
	if device.UserID == "" || device.Fingerprint == "" {
		return fmt.Errorf("user id and fingerprint are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO trusted_devices (id, user_id, fingerprint, name, created_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, fingerprint) DO UPDATE SET
	name = excluded.name,
	last_seen_at = excluded.last_seen_at
`,
		device.ID,
		device.UserID,
		device.Fingerprint,
		device.Name,
		toMillis(device.CreatedAt),
		toMillis(device.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert trusted device: %w", err)
	}
	return nil
}

// GetTrustedDeviceByFingerprint returns the trusted device matching the
// fingerprint.
func (s *Store) GetTrustedDeviceByFingerprint(ctx context.Context, userID string, fingerprint string) (storage.TrustedDevice, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, fingerprint, name, created_at, last_seen_at
FROM trusted_devices
WHERE user_id = ? AND fingerprint = ?
`, userID, fingerprint)
	return scanTrustedDevice(row)
}

// ListTrustedDevices returns the user's trusted devices, most recent first.
func (s *Store) ListTrustedDevices(ctx context.Context, userID string) ([]storage.TrustedDevice, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, fingerprint, name, created_at, last_seen_at
FROM trusted_devices
WHERE user_id = ?
ORDER BY last_seen_at DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("query trusted devices: %w", err)
	}
	defer rows.Close()

	var devices []storage.TrustedDevice
	for rows.Next() {
		device, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted devices: %w", err)
	}
	return devices, nil
}

// DeleteTrustedDevice removes one trusted device owned by the user.
func (s *Store) DeleteTrustedDevice(ctx context.Context, userID string, deviceID string) error {
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM trusted_devices WHERE user_id = ? AND id = ?
`, userID, deviceID)
	if err != nil {
		return fmt.Errorf("delete trusted device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete trusted device rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanTrustedDevice(row rowScanner) (storage.TrustedDevice, error) {
	var device storage.TrustedDevice
	var createdAt, lastSeenAt int64
	err := row.Scan(&device.ID, &device.UserID, &device.Fingerprint, &device.Name, &createdAt, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TrustedDevice{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.TrustedDevice{}, fmt.Errorf("scan trusted device: %w", err)
	}
	device.CreatedAt = fromMillis(createdAt)
	device.LastSeenAt = fromMillis(lastSeenAt)
	return device, nil
}
