package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// TimesheetRepository reads timesheets maintained by the time-tracking system.
type TimesheetRepository struct {
	db *sql.DB
}

func NewTimesheetRepository(db *sql.DB) *TimesheetRepository {
	return &TimesheetRepository{db: db}
}

func (r *TimesheetRepository) Upsert(ctx context.Context, sheet domain.Timesheet) error {
	daysJSON, err := json.Marshal(sheet.Days)
	if err != nil {
		return fmt.Errorf("marshal timesheet days: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO timesheets (id, user_id, month, approved, scan_uploaded, signature_verified, weekly_hours, days)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	month = EXCLUDED.month,
	approved = EXCLUDED.approved,
	scan_uploaded = EXCLUDED.scan_uploaded,
	signature_verified = EXCLUDED.signature_verified,
	weekly_hours = EXCLUDED.weekly_hours,
	days = EXCLUDED.days
`, sheet.ID, sheet.UserID, sheet.Month, sheet.Approved, sheet.ScanUploaded, sheet.SignatureVerified, sheet.WeeklyHours, daysJSON)
	if err != nil {
		return fmt.Errorf("upsert timesheet: %w", err)
	}
	return nil
}

// FindCovering returns every timesheet of the user whose period contains day,
// verified or not.
func (r *TimesheetRepository) FindCovering(ctx context.Context, userID string, day time.Time) ([]domain.Timesheet, error) {
	return r.query(ctx, `
SELECT id, user_id, month, approved, scan_uploaded, signature_verified, weekly_hours, days
FROM timesheets
WHERE user_id = $1 AND month = $2
ORDER BY id ASC
`, userID, day.Format(domain.MonthLayout))
}

func (r *TimesheetRepository) FindVerified(ctx context.Context, userID, month string) ([]domain.Timesheet, error) {
	return r.query(ctx, `
SELECT id, user_id, month, approved, scan_uploaded, signature_verified, weekly_hours, days
FROM timesheets
WHERE user_id = $1 AND month = $2 AND approved AND scan_uploaded AND signature_verified
ORDER BY id ASC
`, userID, month)
}

func (r *TimesheetRepository) query(ctx context.Context, query string, args ...any) ([]domain.Timesheet, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timesheets: %w", err)
	}
	defer rows.Close()

	sheets := make([]domain.Timesheet, 0)
	for rows.Next() {
		var sheet domain.Timesheet
		var daysRaw []byte
		if err := rows.Scan(
			&sheet.ID, &sheet.UserID, &sheet.Month, &sheet.Approved, &sheet.ScanUploaded,
			&sheet.SignatureVerified, &sheet.WeeklyHours, &daysRaw,
		); err != nil {
			return nil, fmt.Errorf("scan timesheet: %w", err)
		}
		if len(daysRaw) > 0 {
			if err := json.Unmarshal(daysRaw, &sheet.Days); err != nil {
				return nil, fmt.Errorf("unmarshal timesheet days: %w", err)
			}
		}
		sheets = append(sheets, sheet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timesheets: %w", err)
	}
	return sheets, nil
}
