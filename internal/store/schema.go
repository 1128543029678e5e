package store

// Schema contains the base SQL schema. Retry bookkeeping columns on
// dead_letter were introduced after the first release and are added by
// the additive migration in sqlite.go rather than here.
const Schema = `
-- Idempotency ledger: one row per (message, account) pair acted upon
CREATE TABLE IF NOT EXISTS processed_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    account_name TEXT NOT NULL,
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(message_id, account_name)
);

-- Failed message/action attempts held for retry or operator review
CREATE TABLE IF NOT EXISTS dead_letter (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    account_name TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid INTEGER NOT NULL,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per processed message, for operator tooling
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    account_name TEXT NOT NULL,
    actions TEXT NOT NULL,
    llm_provider TEXT,
    llm_model TEXT,
    subject TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_processed_account ON processed_messages(account_name);
CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);
CREATE INDEX IF NOT EXISTS idx_dead_letter_account ON dead_letter(account_name);
CREATE INDEX IF NOT EXISTS idx_audit_account ON audit_log(account_name);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`
