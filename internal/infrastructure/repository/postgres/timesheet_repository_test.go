package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func TestTimesheetRepositoryFindCoveringUsesMonth(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "user_id", "month", "approved", "scan_uploaded", "signature_verified", "weekly_hours", "days"}).
		AddRow("ts-1", "u-1", "2025-03", true, true, false, 40.0, []byte(`[{"date":"2025-03-10T00:00:00Z","hours":9}]`))
	mock.ExpectQuery("FROM timesheets").
		WithArgs("u-1", "2025-03").
		WillReturnRows(rows)

	sheets, err := NewTimesheetRepository(db).FindCovering(context.Background(), "u-1", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FindCovering() error = %v", err)
	}
	if len(sheets) != 1 || len(sheets[0].Days) != 1 || sheets[0].Days[0].Hours != 9 {
		t.Fatalf("unexpected timesheets %#v", sheets)
	}
	if sheets[0].Verified() {
		t.Fatalf("timesheet without verified signature must not be verified")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTimesheetRepositoryUpsertStoresDaysAsJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO timesheets").
		WithArgs("ts-1", "u-1", "2025-03", true, true, true, 38.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewTimesheetRepository(db).Upsert(context.Background(), domain.Timesheet{
		ID:                "ts-1",
		UserID:            "u-1",
		Month:             "2025-03",
		Approved:          true,
		ScanUploaded:      true,
		SignatureVerified: true,
		WeeklyHours:       38.5,
		Days: []domain.TimesheetDay{
			{Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), Absence: domain.AbsenceSick},
		},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
