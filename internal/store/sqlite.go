package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database shared by all account loops: the
// idempotency ledger, the dead-letter queue and the audit log. WAL
// journaling lets concurrent account loops commit without corrupting
// shared tables.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (creating if needed) the database at dbPath and applies
// the schema and any pending additive migrations.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Store initialized")
	return s, nil
}

// initSchema creates the base tables.
func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// migrate applies additive migrations. Each step is idempotent: a
// column is only added when it is absent, so re-running against an
// already-migrated database is a no-op.
func (s *Store) migrate() error {
	retryColumns := map[string]string{
		"attempts":      "INTEGER NOT NULL DEFAULT 0",
		"retry_status":  "TEXT NOT NULL DEFAULT 'pending'",
		"next_retry_at": "DATETIME",
		"last_retry_at": "DATETIME",
		"resolved_at":   "DATETIME",
	}

	existing, err := s.tableColumns("dead_letter")
	if err != nil {
		return err
	}

	for name, definition := range retryColumns {
		if existing[name] {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE dead_letter ADD COLUMN %s %s", name, definition)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to add column %s: %w", name, err)
		}
		s.logger.WithField("column", name).Info("Added dead_letter column")
	}

	return nil
}

// tableColumns returns the set of column names of a table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}
