package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func newReportRepoWithMock(t *testing.T) (*ReportRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &ReportRepository{db: db}, mock, func() { _ = db.Close() }
}

func TestEnsureSchemaRunsUnderAdvisoryLock(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(int64(2026031001)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS reports").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetReportReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, user_id, month, status").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetReport(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetReportLoadsEntriesAndReceipts(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM reports").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "month", "status", "accounting_data", "review_error", "created_at", "updated_at"}).
			AddRow("r-1", "u-1", "2025-03", "in_review", []byte(`{"report_id":"r-1","issues":["x"]}`), "", now, now))
	mock.ExpectQuery("FROM report_entries").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "entry_date", "country_code", "absence_hours", "category", "description"}).
			AddRow("e-1", day, "DE", 10.0, "travel", "Kunde"))
	mock.ExpectQuery("FROM receipts").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "report_id", "entry_id", "kind", "proof_for", "filename", "storage_path", "encrypted", "analysis", "needs_exchange_proof", "uploaded_at"}).
			AddRow("rc-1", "r-1", "e-1", "receipt", "", "hotel.pdf", "r-1/hotel.pdf", true, []byte(`{"document_type":"hotel_receipt","confidence":0.9}`), false, now).
			AddRow("rc-2", "r-1", "", "receipt", "", "taxi.pdf", "r-1/taxi.pdf", false, nil, false, now))

	report, err := repo.GetReport(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("GetReport() error = %v", err)
	}
	if report.Status != domain.ReportInReview {
		t.Fatalf("unexpected status %q", report.Status)
	}
	if report.AccountingData == nil || len(report.AccountingData.Issues) != 1 {
		t.Fatalf("expected accounting data to be decoded, got %#v", report.AccountingData)
	}
	if len(report.Entries) != 1 || !report.Entries[0].Date.Equal(day) {
		t.Fatalf("unexpected entries %#v", report.Entries)
	}
	if len(report.Receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(report.Receipts))
	}
	if report.Receipts[0].Analysis == nil || report.Receipts[0].Analysis.DocumentType != domain.DocHotelReceipt {
		t.Fatalf("expected analysis on first receipt, got %#v", report.Receipts[0].Analysis)
	}
	if report.Receipts[1].Analysis != nil {
		t.Fatalf("expected no analysis on second receipt")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE reports").
		WithArgs("missing", string(domain.ReportDraft), string(domain.ReportInReview), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM reports").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	err := repo.UpdateStatus(context.Background(), "missing", domain.ReportDraft, domain.ReportInReview)
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsConflictWhenStatusMoved(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE reports").
		WithArgs("r-1", string(domain.ReportInReview), string(domain.ReportApproved), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM reports").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.ReportApproved)))

	err := repo.UpdateStatus(context.Background(), "r-1", domain.ReportInReview, domain.ReportApproved)
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAccountingDataStoresReviewError(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE reports").
		WithArgs("r-1", sqlmock.AnyArg(), "llm unavailable", sqlmock.AnyArg(), string(domain.ReportInReview)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveAccountingData(context.Background(), "r-1", &domain.AccountingResult{
		ReportID:    "r-1",
		ReviewError: "llm unavailable",
	})
	if err != nil {
		t.Fatalf("SaveAccountingData() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAccountingDataRejectsApprovedReport(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE reports").
		WithArgs("r-1", sqlmock.AnyArg(), "", sqlmock.AnyArg(), string(domain.ReportInReview)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM reports").
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.ReportApproved)))

	err := repo.SaveAccountingData(context.Background(), "r-1", &domain.AccountingResult{ReportID: "r-1"})
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveReceiptAnalysisReturnsNotFound(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE receipts").
		WithArgs("missing", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SaveReceiptAnalysis(context.Background(), "missing", domain.DocumentAnalysis{NeedsExchangeProof: true})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListMessagesReturnsChronologicalOrder(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	t1 := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	mock.ExpectQuery("FROM report_messages").
		WithArgs("r-1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "report_id", "sender", "content", "action", "created_at"}).
			AddRow("m-2", "r-1", "user", "done", "", t2).
			AddRow("m-1", "r-1", "chat", "please upload", "issues_posted", t1))

	messages, err := repo.ListMessages(context.Background(), "r-1", 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "m-1" || messages[1].ID != "m-2" {
		t.Fatalf("unexpected order %#v", messages)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateReportInsertsEntriesInTransaction(t *testing.T) {
	repo, mock, done := newReportRepoWithMock(t)
	defer done()

	now := time.Now().UTC()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reports").
		WithArgs("r-1", "u-1", "2025-03", "draft", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO report_entries").
		WithArgs("e-1", "r-1", day, "DE", 0.0, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.CreateReport(context.Background(), &domain.Report{
		ID: "r-1", UserID: "u-1", Month: "2025-03", Status: domain.ReportDraft,
		Entries:   []domain.ReportEntry{{ID: "e-1", Date: day, CountryCode: "DE"}},
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
