package store

import (
	"fmt"
	"time"
)

// IsProcessed reports whether a message has already been acted upon for
// the given account. The check must happen before any mutating mailbox
// call so a restart cannot double-apply an action.
func (s *Store) IsProcessed(messageID, accountName string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM processed_messages WHERE message_id = ? AND account_name = ?",
		messageID, accountName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed records a (message, account) pair as handled. The
// insert ignores conflicts, so repeated marks for the same pair are
// no-ops and exactly one row exists per pair.
func (s *Store) MarkProcessed(messageID, accountName string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO processed_messages (message_id, account_name) VALUES (?, ?)",
		messageID, accountName,
	)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// CleanupProcessed deletes ledger rows older than the TTL and returns
// how many were removed.
func (s *Store) CleanupProcessed(ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	result, err := s.db.Exec(
		"DELETE FROM processed_messages WHERE processed_at < ?",
		cutoff.Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up processed messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed rows: %w", err)
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("Cleaned up processed message records")
	}
	return removed, nil
}
