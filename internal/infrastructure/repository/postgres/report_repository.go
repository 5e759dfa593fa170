package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

type ReportRepository struct {
	db *sql.DB
}

func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, r.db)
}

func (r *ReportRepository) CreateReport(ctx context.Context, report *domain.Report) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create report tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO reports (id, user_id, month, status, review_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, report.ID, report.UserID, report.Month, string(report.Status), report.ReviewError, report.CreatedAt, report.UpdatedAt); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	for _, entry := range report.Entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO report_entries (id, report_id, entry_date, country_code, absence_hours, category, description)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, entry.ID, report.ID, entry.Date, entry.CountryCode, entry.AbsenceHours, entry.Category, entry.Description); err != nil {
			return fmt.Errorf("insert report entry %s: %w", entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create report tx: %w", err)
	}
	return nil
}

func (r *ReportRepository) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, month, status, accounting_data, review_error, created_at, updated_at
FROM reports
WHERE id = $1
`, id)

	var report domain.Report
	var status string
	var accountingRaw []byte
	err := row.Scan(
		&report.ID, &report.UserID, &report.Month, &status, &accountingRaw,
		&report.ReviewError, &report.CreatedAt, &report.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get report", fmt.Errorf("report %s", id))
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	report.Status = domain.ReportStatus(status)

	if len(accountingRaw) > 0 {
		var result domain.AccountingResult
		if err := json.Unmarshal(accountingRaw, &result); err != nil {
			return nil, fmt.Errorf("unmarshal accounting data: %w", err)
		}
		report.AccountingData = &result
	}

	entries, err := r.listEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Entries = entries

	receipts, err := r.listReceipts(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Receipts = receipts
	return &report, nil
}

func (r *ReportRepository) listEntries(ctx context.Context, reportID string) ([]domain.ReportEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, entry_date, country_code, absence_hours, category, description
FROM report_entries
WHERE report_id = $1
ORDER BY entry_date ASC, id ASC
`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query report entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.ReportEntry, 0)
	for rows.Next() {
		var entry domain.ReportEntry
		if err := rows.Scan(&entry.ID, &entry.Date, &entry.CountryCode, &entry.AbsenceHours, &entry.Category, &entry.Description); err != nil {
			return nil, fmt.Errorf("scan report entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report entries: %w", err)
	}
	return entries, nil
}

const receiptColumns = `id, report_id, entry_id, kind, proof_for, filename, storage_path, encrypted, analysis, needs_exchange_proof, uploaded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*domain.Receipt, error) {
	var receipt domain.Receipt
	var kind string
	var analysisRaw []byte
	if err := row.Scan(
		&receipt.ID, &receipt.ReportID, &receipt.EntryID, &kind, &receipt.ProofFor, &receipt.Filename,
		&receipt.StoragePath, &receipt.Encrypted, &analysisRaw, &receipt.NeedsExchangeProof, &receipt.UploadedAt,
	); err != nil {
		return nil, err
	}
	receipt.Kind = domain.ReceiptKind(kind)
	if len(analysisRaw) > 0 {
		var analysis domain.DocumentAnalysis
		if err := json.Unmarshal(analysisRaw, &analysis); err != nil {
			return nil, fmt.Errorf("unmarshal receipt analysis: %w", err)
		}
		receipt.Analysis = &analysis
	}
	return &receipt, nil
}

func (r *ReportRepository) listReceipts(ctx context.Context, reportID string) ([]domain.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+receiptColumns+`
FROM receipts
WHERE report_id = $1
ORDER BY uploaded_at ASC, id ASC
`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]domain.Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, *receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

func (r *ReportRepository) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+receiptColumns+`
FROM receipts
WHERE id = $1
`, id)
	receipt, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get receipt", fmt.Errorf("receipt %s", id))
		}
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	return receipt, nil
}

func (r *ReportRepository) CreateReceipt(ctx context.Context, receipt *domain.Receipt) error {
	var analysisJSON []byte
	if receipt.Analysis != nil {
		raw, err := json.Marshal(receipt.Analysis)
		if err != nil {
			return fmt.Errorf("marshal receipt analysis: %w", err)
		}
		analysisJSON = raw
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO receipts (`+receiptColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`,
		receipt.ID, receipt.ReportID, receipt.EntryID, string(receipt.Kind), receipt.ProofFor, receipt.Filename,
		receipt.StoragePath, receipt.Encrypted, nullableJSON(analysisJSON), receipt.NeedsExchangeProof, receipt.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (r *ReportRepository) UpdateStatus(ctx context.Context, id string, from, to domain.ReportStatus) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE reports
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update report status: %w", err)
	}
	return r.requireTransition(ctx, result, "update report status", id, from)
}

func (r *ReportRepository) SaveAccountingData(ctx context.Context, id string, accounting *domain.AccountingResult) error {
	var raw []byte
	reviewError := ""
	if accounting != nil {
		encoded, err := json.Marshal(accounting)
		if err != nil {
			return fmt.Errorf("marshal accounting data: %w", err)
		}
		raw = encoded
		reviewError = accounting.ReviewError
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE reports
SET accounting_data = $2, review_error = $3, updated_at = $4
WHERE id = $1 AND status = $5
`, id, nullableJSON(raw), reviewError, time.Now().UTC(), string(domain.ReportInReview))
	if err != nil {
		return fmt.Errorf("save accounting data: %w", err)
	}
	return r.requireTransition(ctx, result, "save accounting data", id, domain.ReportInReview)
}

// requireTransition tells a missing report apart from one that left the
// expected status before a conditional update ran.
func (r *ReportRepository) requireTransition(ctx context.Context, result sql.Result, operation, id string, expected domain.ReportStatus) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM reports WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrNotFound, operation, fmt.Errorf("report %s", id))
	}
	if err != nil {
		return fmt.Errorf("%s read status: %w", operation, err)
	}
	return domain.WrapError(domain.ErrConflict, operation, fmt.Errorf("report %s is %s, expected %s", id, current, expected))
}

func (r *ReportRepository) SaveReceiptAnalysis(ctx context.Context, receiptID string, analysis domain.DocumentAnalysis) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal receipt analysis: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE receipts
SET analysis = $2, needs_exchange_proof = $3
WHERE id = $1
`, receiptID, raw, analysis.NeedsExchangeProof)
	if err != nil {
		return fmt.Errorf("save receipt analysis: %w", err)
	}
	return requireAffected(result, "save receipt analysis", "receipt", receiptID)
}

func (r *ReportRepository) AppendMessage(ctx context.Context, message domain.ReportMessage) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO report_messages (id, report_id, sender, content, action, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, message.ID, message.ReportID, message.Sender, message.Content, message.Action, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("append report message: %w", err)
	}
	return nil
}

// ListMessages returns the latest messages of a report in chronological order.
func (r *ReportRepository) ListMessages(ctx context.Context, reportID string, limit int) ([]domain.ReportMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, report_id, sender, content, action, created_at
FROM report_messages
WHERE report_id = $1
ORDER BY created_at DESC
LIMIT $2
`, reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("query report messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.ReportMessage, 0, limit)
	for rows.Next() {
		var msg domain.ReportMessage
		if err := rows.Scan(&msg.ID, &msg.ReportID, &msg.Sender, &msg.Content, &msg.Action, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func requireAffected(result sql.Result, operation, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, operation, fmt.Errorf("%s %s", resource, id))
	}
	return nil
}
