package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// reportLockNamespace keeps report locks apart from the schema bootstrap lock.
const reportLockNamespace int32 = 2026031002

// ReportLocker serializes review operations on one report across the api and
// every worker replica with a transaction-scoped advisory lock.
type ReportLocker struct {
	db *sql.DB
}

// NewReportLocker expects a pool dedicated to locks: each holder pins one
// connection for as long as the report operation runs.
func NewReportLocker(db *sql.DB) *ReportLocker {
	return &ReportLocker{db: db}
}

func (l *ReportLocker) LockReport(ctx context.Context, reportID string) (func(), error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "lock report", fmt.Errorf("begin lock tx: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, reportLockNamespace, reportID); err != nil {
		_ = tx.Rollback()
		return nil, domain.WrapError(domain.ErrTemporary, "lock report", fmt.Errorf("acquire advisory lock: %w", err))
	}

	return func() {
		// Ending the transaction releases the lock; there is nothing to commit.
		if err := tx.Rollback(); err != nil {
			slog.Warn("report_lock_release_failed", "report_id", reportID, "error", err)
		}
	}, nil
}
