package xlsx

import (
	"bytes"
	"testing"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/xuri/excelize/v2"
)

func TestWriteAccountingProducesThreeSheets(t *testing.T) {
	allowance := 14.0
	report := &domain.Report{
		ID: "r1",
		AccountingData: &domain.AccountingResult{
			ReportID: "r1",
			Assignments: []domain.ExpenseAssignment{{
				ReceiptID:            "rc1",
				EntryID:              "e1",
				Date:                 "2025-03-04",
				Category:             "hotel",
				Amount:               120.5,
				Currency:             "EUR",
				MealAllowanceAdded:   &allowance,
				AssignmentConfidence: 1,
			}},
			Entries: []domain.EntryReconciliation{{
				EntryID:       "e1",
				Date:          "2025-03-04",
				CountryCode:   "DE",
				WorkingHours:  9,
				MealAllowance: 14,
				AllowanceKind: domain.MealAllowancePartial,
			}},
			Issues:             []string{"Receipt \"x.pdf\" has no date"},
			TotalsByCurrency:   map[string]float64{"EUR": 120.5},
			MealAllowanceTotal: 14,
		},
	}

	var buf bytes.Buffer
	if err := WriteAccounting(&buf, report); err != nil {
		t.Fatalf("write accounting: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 3 || sheets[0] != SheetAssignments || sheets[1] != SheetEntries || sheets[2] != SheetIssues {
		t.Fatalf("unexpected sheets: %v", sheets)
	}

	receipt, err := f.GetCellValue(SheetAssignments, "A2")
	if err != nil || receipt != "rc1" {
		t.Fatalf("expected receipt id in A2, got %q (%v)", receipt, err)
	}
	kind, err := f.GetCellValue(SheetEntries, "F2")
	if err != nil || kind != string(domain.MealAllowancePartial) {
		t.Fatalf("expected allowance kind in F2, got %q (%v)", kind, err)
	}
	issue, err := f.GetCellValue(SheetIssues, "B2")
	if err != nil || issue != "Receipt \"x.pdf\" has no date" {
		t.Fatalf("unexpected issue cell %q (%v)", issue, err)
	}
}

func TestWriteAccountingRequiresReconciliation(t *testing.T) {
	err := WriteAccounting(&bytes.Buffer{}, &domain.Report{ID: "r1"})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
