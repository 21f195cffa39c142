package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/identity"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/user"
)

const userColumns = `id, email, email_verified, password_hash, display_name, avatar_url,
google_id, apple_id, facebook_id, auth_provider, role, status, created_at, updated_at`

// providerColumn maps a provider to its users column. The whitelist keeps
// provider values out of SQL text.
func providerColumn(provider identity.Provider) (string, error) {
	switch provider {
	case identity.ProviderGoogle:
		return "google_id", nil
	case identity.ProviderApple:
		return "apple_id", nil
	case identity.ProviderFacebook:
		return "facebook_id", nil
	}
	return "", fmt.Errorf("unsupported provider %q", provider)
}

// CreateUser persists a new account record.
func (s *Store) CreateUser(ctx context.Context, u user.User) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("sqlite store not initialized")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		u.ID,
		user.NormalizeEmail(u.Email),
		u.EmailVerified,
		u.PasswordHash,
		u.DisplayName,
		u.AvatarURL,
		nullString(u.GoogleID),
		nullString(u.AppleID),
		nullString(u.FacebookID),
		string(u.AuthProvider),
		string(u.Role),
		string(u.Status),
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the account with the given id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = ?
`, userID)
	return scanUser(row)
}

// GetUserByEmail returns the account with the given address,
// case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	normalized := user.NormalizeEmail(email)
	if normalized == "" {
		return user.User{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE email = ?
`, normalized)
	return scanUser(row)
}

// GetUserByProviderID returns the account linked to the provider subject.
func (s *Store) GetUserByProviderID(ctx context.Context, provider identity.Provider, externalID string) (user.User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return user.User{}, storage.ErrNotFound
	}
	if externalID == "" {
		return user.User{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE `+column+` = ?
`, externalID)
	return scanUser(row)
}

// UpdateUser rewrites the mutable fields of an existing account.
func (s *Store) UpdateUser(ctx context.Context, u user.User) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE users
SET email = ?,
    email_verified = ?,
    password_hash = ?,
    display_name = ?,
    avatar_url = ?,
    google_id = ?,
    apple_id = ?,
    facebook_id = ?,
    auth_provider = ?,
    role = ?,
    status = ?,
    updated_at = ?
WHERE id = ?
`,
		user.NormalizeEmail(u.Email),
		u.EmailVerified,
		u.PasswordHash,
		u.DisplayName,
		u.AvatarURL,
		nullString(u.GoogleID),
		nullString(u.AppleID),
		nullString(u.FacebookID),
		string(u.AuthProvider),
		string(u.Role),
		string(u.Status),
		toMillis(u.UpdatedAt),
		u.ID,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (user.User, error) {
	var u user.User
	var emailVerified bool
	var googleID, appleID, facebookID sql.NullString
	var authProvider, role, status string
	var createdAt, updatedAt int64
	err := row.Scan(
		&u.ID,
		&u.Email,
		&emailVerified,
		&u.PasswordHash,
		&u.DisplayName,
		&u.AvatarURL,
		&googleID,
		&appleID,
		&facebookID,
		&authProvider,
		&role,
		&status,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.EmailVerified = emailVerified
	u.GoogleID = googleID.String
	u.AppleID = appleID.String
	u.FacebookID = facebookID.String
	u.AuthProvider = identity.Provider(authProvider)
	u.Role = user.Role(role)
	u.Status = user.Status(status)
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}
