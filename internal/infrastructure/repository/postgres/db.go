package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates every table the review pipeline uses.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026031001)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	month TEXT NOT NULL,
	status TEXT NOT NULL,
	accounting_data JSONB,
	review_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS report_entries (
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	entry_date DATE NOT NULL,
	country_code TEXT NOT NULL,
	absence_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
	category TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS receipts (
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	entry_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	proof_for TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	encrypted BOOLEAN NOT NULL DEFAULT FALSE,
	analysis JSONB,
	needs_exchange_proof BOOLEAN NOT NULL DEFAULT FALSE,
	uploaded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS report_messages (
	id TEXT PRIMARY KEY,
	report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS timesheets (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	month TEXT NOT NULL,
	approved BOOLEAN NOT NULL DEFAULT FALSE,
	scan_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
	signature_verified BOOLEAN NOT NULL DEFAULT FALSE,
	weekly_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
	days JSONB NOT NULL DEFAULT '[]'::jsonb
);

CREATE TABLE IF NOT EXISTS agent_memory (
	id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	content TEXT NOT NULL,
	context JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	tags JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS compliance_audit_log (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	user_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION,
	human_reviewed BOOLEAN NOT NULL DEFAULT FALSE,
	input_hash TEXT NOT NULL,
	details JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_entries_report ON report_entries(report_id, entry_date);
CREATE INDEX IF NOT EXISTS idx_receipts_report ON receipts(report_id, uploaded_at);
CREATE INDEX IF NOT EXISTS idx_report_messages_report ON report_messages(report_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_timesheets_user_month ON timesheets(user_id, month);
CREATE INDEX IF NOT EXISTS idx_agent_memory_agent_created ON agent_memory(agent_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_agent_memory_tags ON agent_memory USING GIN (tags);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON compliance_audit_log(resource_type, resource_id, created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
