package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// PutSecurityEvent appends one audit record.
func (s *Store) PutSecurityEvent(ctx context.Context, event storage.SecurityEvent) error {
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("event id and type are required")
	}
	detail := event.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO security_events (id, user_id, event_type, provider, platform, detail_json, ip, user_agent, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		event.ID,
		nullString(event.UserID),
		event.Type,
		event.Provider,
		event.Platform,
		detail,
		event.IP,
		event.UserAgent,
		toMillis(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns the newest events for a user.
func (s *Store) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]storage.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, event_type, provider, platform, detail_json, ip, user_agent, created_at
FROM security_events
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []storage.SecurityEvent
	for rows.Next() {
		var event storage.SecurityEvent
		var recordedUserID sql.NullString
		var provider, platform string
		var createdAt int64
		if err := rows.Scan(
			&event.ID,
			&recordedUserID,
			&event.Type,
			&provider,
			&platform,
			&event.DetailJSON,
			&event.IP,
			&event.UserAgent,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.UserID = recordedUserID.String
		event.Provider = provider
		event.Platform = platform
		event.CreatedAt = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}
