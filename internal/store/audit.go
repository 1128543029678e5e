package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metal0/mailpilot-sub003/pkg/types"
)

// AuditRecord is one processed-message entry from the audit log.
type AuditRecord struct {
	ID          int64
	MessageID   string
	AccountName string
	Actions     string
	LLMProvider string
	LLMModel    string
	Subject     string
	CreatedAt   time.Time
}

// RecordAudit writes an audit row for a processed message. The applied
// action is serialized as JSON so operator tooling can inspect it.
func (s *Store) RecordAudit(messageID, accountName string, action *types.Action, provider, model, subject string) error {
	actionsJSON, err := json.Marshal([]*types.Action{action})
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_log (message_id, account_name, actions, llm_provider, llm_model, subject)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, accountName, string(actionsJSON), provider, model, subject,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// RecentAudits returns the most recent audit entries, newest first.
func (s *Store) RecentAudits(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, message_id, account_name, actions, llm_provider, llm_model, subject, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var provider, model, subject sql.NullString
		var createdAt sql.NullString

		err := rows.Scan(
			&rec.ID,
			&rec.MessageID,
			&rec.AccountName,
			&rec.Actions,
			&provider,
			&model,
			&subject,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		rec.LLMProvider = provider.String
		rec.LLMModel = model.String
		rec.Subject = subject.String
		if t := parseNullTime(createdAt); t != nil {
			rec.CreatedAt = *t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
