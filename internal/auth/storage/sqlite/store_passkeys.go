package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// PutPasskeyCredential upserts a WebAuthn credential.
func (s *Store) PutPasskeyCredential(ctx context.Context, credential storage.PasskeyCredential) error {
	if credential.CredentialID == "" || credential.UserID == "" {
		return fmt.Errorf("credential id and user id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (credential_id) DO UPDATE SET
	name = excluded.name,
	credential_json = excluded.credential_json,
	updated_at = excluded.updated_at,
	last_used_at = excluded.last_used_at
`,
		credential.CredentialID,
		credential.UserID,
		credential.Name,
		credential.CredentialJSON,
		toMillis(credential.CreatedAt),
		toMillis(credential.UpdatedAt),
		nullMillis(credential.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert passkey credential: %w", err)
	}
	return nil
}

// GetPasskeyCredential returns one WebAuthn credential.
func (s *Store) GetPasskeyCredential(ctx context.Context, credentialID string) (storage.PasskeyCredential, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE credential_id = ?
`, credentialID)
	return scanPasskeyCredential(row)
}

// ListPasskeyCredentials returns a user's WebAuthn credentials, oldest
// first.
func (s *Store) ListPasskeyCredentials(ctx context.Context, userID string) ([]storage.PasskeyCredential, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT credential_id, user_id, name, credential_json, created_at, updated_at, last_used_at
FROM passkey_credentials
WHERE user_id = ?
ORDER BY created_at ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("query passkey credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskeyCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkey credentials: %w", err)
	}
	return credentials, nil
}

// DeletePasskeyCredential removes one WebAuthn credential.
func (s *Store) DeletePasskeyCredential(ctx context.Context, credentialID string) error {
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_credentials WHERE credential_id = ?
`, credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutPasskeyChallenge stores a pending WebAuthn ceremony.
func (s *Store) PutPasskeyChallenge(ctx context.Context, challenge storage.PasskeyChallenge) error {
	if challenge.ID == "" || challenge.Kind == "" {
		return fmt.Errorf("challenge id and kind are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_challenges (id, kind, user_id, session_json, expires_at)
VALUES (?, ?, ?, ?, ?)
`,
		challenge.ID,
		challenge.Kind,
		challenge.UserID,
		challenge.SessionJSON,
		toMillis(challenge.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert passkey challenge: %w", err)
	}
	return nil
}

// ConsumePasskeyChallenge removes the challenge and returns it when it
// matches kind and is unexpired. The row is deleted on any touch, so a
// challenge can never be replayed after a failed consume.
func (s *Store) ConsumePasskeyChallenge(ctx context.Context, id string, kind string, now time.Time) (storage.PasskeyChallenge, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.PasskeyChallenge{}, fmt.Errorf("begin consume passkey challenge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, kind, user_id, session_json, expires_at
FROM passkey_challenges
WHERE id = ?
`, id)

	var challenge storage.PasskeyChallenge
	var expiresAt int64
	err = row.Scan(&challenge.ID, &challenge.Kind, &challenge.UserID, &challenge.SessionJSON, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PasskeyChallenge{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PasskeyChallenge{}, fmt.Errorf("scan passkey challenge: %w", err)
	}
	challenge.ExpiresAt = fromMillis(expiresAt)

	if _, err := tx.ExecContext(ctx, `DELETE FROM passkey_challenges WHERE id = ?`, id); err != nil {
		return storage.PasskeyChallenge{}, fmt.Errorf("delete passkey challenge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.PasskeyChallenge{}, fmt.Errorf("commit consume passkey challenge: %w", err)
	}

	if challenge.Kind != kind || !challenge.ExpiresAt.After(now) {
		return storage.PasskeyChallenge{}, storage.ErrNotFound
	}
	return challenge, nil
}

// DeleteExpiredPasskeyChallenges removes ceremonies past their TTL.
func (s *Store) DeleteExpiredPasskeyChallenges(ctx context.Context, now time.Time) error {
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM passkey_challenges WHERE expires_at <= ?
`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired passkey challenges: %w", err)
	}
	return nil
}

func scanPasskeyCredential(row rowScanner) (storage.PasskeyCredential, error) {
	var credential storage.PasskeyCredential
	var createdAt, updatedAt int64
	var lastUsedAt sql.NullInt64
	err := row.Scan(
		&credential.CredentialID,
		&credential.UserID,
		&credential.Name,
		&credential.CredentialJSON,
		&createdAt,
		&updatedAt,
		&lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PasskeyCredential{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PasskeyCredential{}, fmt.Errorf("scan passkey credential: %w", err)
	}
	credential.CreatedAt = fromMillis(createdAt)
	credential.UpdatedAt = fromMillis(updatedAt)
	credential.LastUsedAt = millisPtr(lastUsedAt)
	return credential, nil
}
