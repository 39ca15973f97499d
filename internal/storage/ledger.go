package storage

import (
	"context"
	"fmt"
	"time"

	"hotel-price-watch/internal/model"
)

const (
	// Digest rows are kept for audit but do not consume the alert budget.
	countRecentNotificationsSQL = `SELECT COUNT(*)
    FROM notification_ledger
    WHERE user_id = $1
      AND created_at > $2
      AND alert_type <> 'daily_digest';`

	insertLedgerEntrySQL = `INSERT INTO notification_ledger (
        user_id,
        alert_type,
        alert_id,
        success,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`
)

// CountRecentNotifications counts ledger rows for a user newer than since.
func (s *Store) CountRecentNotifications(ctx context.Context, userID string, since time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countRecentNotificationsSQL, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent notifications: %w", err)
	}
	return count, nil
}

// InsertLedgerEntry appends one notification attempt.
func (s *Store) InsertLedgerEntry(ctx context.Context, entry model.LedgerEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var alertID interface{}
	if entry.AlertID != nil {
		alertID = *entry.AlertID
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := pool.Exec(ctx, insertLedgerEntrySQL,
		entry.UserID,
		string(entry.Type),
		alertID,
		entry.Success,
		createdAt,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
