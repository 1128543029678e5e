package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Dead-letter retry statuses. Resolved and exhausted are terminal; a
// row never moves back out of them.
const (
	RetryStatusPending   = "pending"
	RetryStatusRetrying  = "retrying"
	RetryStatusResolved  = "resolved"
	RetryStatusExhausted = "exhausted"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// DeadLetterEntry is one failed message/action attempt awaiting retry
// or operator attention.
type DeadLetterEntry struct {
	ID          int64
	MessageID   string
	AccountName string
	Folder      string
	UID         uint32
	Error       string
	Attempts    int
	RetryStatus string
	NextRetryAt *time.Time
	LastRetryAt *time.Time
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// InsertDeadLetter records an unrecoverable failure as a pending retry.
func (s *Store) InsertDeadLetter(messageID, accountName, folder string, uid uint32, errText string, nextRetryAt time.Time) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO dead_letter (message_id, account_name, folder, uid, error, attempts, retry_status, next_retry_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		messageID, accountName, folder, uid, errText,
		RetryStatusPending, nextRetryAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert dead letter: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get dead letter id: %w", err)
	}

	s.logger.WithField("message_id", messageID).WithField("account", accountName).Warn("Message dead-lettered")
	return id, nil
}

// HasOpenDeadLetter reports whether a non-terminal entry already exists
// for the message. Repeated dispatch failures for the same message must
// not pile up duplicate rows, each with its own retry budget.
func (s *Store) HasOpenDeadLetter(accountName, folder string, uid uint32) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM dead_letter
		WHERE account_name = ? AND folder = ? AND uid = ? AND retry_status IN (?, ?)`,
		accountName, folder, uid, RetryStatusPending, RetryStatusRetrying,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check for open dead letter: %w", err)
	}
	return count > 0, nil
}

// DueDeadLetters returns non-terminal entries whose next retry time has
// elapsed, oldest first.
func (s *Store) DueDeadLetters(now time.Time) ([]DeadLetterEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, message_id, account_name, folder, uid, error, attempts, retry_status, next_retry_at, last_retry_at, created_at, resolved_at
		FROM dead_letter
		WHERE retry_status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at`,
		RetryStatusPending, RetryStatusRetrying, now.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// ScheduleRetry records a failed retry attempt: bumps the attempt
// count, stores the new error and schedules the next attempt. Terminal
// rows are left untouched.
func (s *Store) ScheduleRetry(id int64, attempts int, errText string, nextRetryAt, lastRetryAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE dead_letter
		SET attempts = ?, error = ?, retry_status = ?, next_retry_at = ?, last_retry_at = ?
		WHERE id = ? AND retry_status IN (?, ?)`,
		attempts, errText, RetryStatusRetrying,
		nextRetryAt.UTC().Format(sqliteTimeLayout),
		lastRetryAt.UTC().Format(sqliteTimeLayout),
		id, RetryStatusPending, RetryStatusRetrying,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// MarkResolved moves an entry to its resolved terminal state.
func (s *Store) MarkResolved(id int64) error {
	_, err := s.db.Exec(`
		UPDATE dead_letter
		SET retry_status = ?, resolved_at = ?
		WHERE id = ? AND retry_status IN (?, ?)`,
		RetryStatusResolved, time.Now().UTC().Format(sqliteTimeLayout),
		id, RetryStatusPending, RetryStatusRetrying,
	)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter resolved: %w", err)
	}
	return nil
}

// MarkExhausted moves an entry to its exhausted terminal state, after
// which only an operator can act on it.
func (s *Store) MarkExhausted(id int64) error {
	_, err := s.db.Exec(`
		UPDATE dead_letter
		SET retry_status = ?, last_retry_at = ?
		WHERE id = ? AND retry_status IN (?, ?)`,
		RetryStatusExhausted, time.Now().UTC().Format(sqliteTimeLayout),
		id, RetryStatusPending, RetryStatusRetrying,
	)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter exhausted: %w", err)
	}
	return nil
}

// GetDeadLetter fetches a single entry by id.
func (s *Store) GetDeadLetter(id int64) (*DeadLetterEntry, error) {
	row := s.db.QueryRow(`
		SELECT id, message_id, account_name, folder, uid, error, attempts, retry_status, next_retry_at, last_retry_at, created_at, resolved_at
		FROM dead_letter WHERE id = ?`, id)
	return scanDeadLetter(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var errText sql.NullString
	var nextRetry, lastRetry, createdAt, resolvedAt sql.NullString

	err := row.Scan(
		&entry.ID,
		&entry.MessageID,
		&entry.AccountName,
		&entry.Folder,
		&entry.UID,
		&errText,
		&entry.Attempts,
		&entry.RetryStatus,
		&nextRetry,
		&lastRetry,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("dead letter not found")
		}
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}

	entry.Error = errText.String
	entry.NextRetryAt = parseNullTime(nextRetry)
	entry.LastRetryAt = parseNullTime(lastRetry)
	entry.ResolvedAt = parseNullTime(resolvedAt)
	if t := parseNullTime(createdAt); t != nil {
		entry.CreatedAt = *t
	}
	return &entry, nil
}

// parseNullTime parses sqlite DATETIME text in either the
// CURRENT_TIMESTAMP layout or RFC3339.
func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	if t, err := time.Parse(sqliteTimeLayout, v.String); err == nil {
		t = t.UTC()
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}
