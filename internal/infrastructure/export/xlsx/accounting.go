package xlsx

import (
	"fmt"
	"io"
	"sort"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/xuri/excelize/v2"
)

const (
	SheetAssignments = "Assignments"
	SheetEntries     = "Entries"
	SheetIssues      = "Issues"
)

var (
	assignmentHeader = []any{"Receipt", "Entry", "Date", "Category", "Amount", "Currency", "Meal allowance", "Confidence"}
	entryHeader      = []any{"Entry", "Date", "Country", "Working hours", "Absence", "Allowance kind", "Meal allowance"}
	issueHeader      = []any{"#", "Issue"}
)

// WriteAccounting renders the reconciliation result of a report as an XLSX workbook.
func WriteAccounting(w io.Writer, report *domain.Report) error {
	if report == nil || report.AccountingData == nil {
		return domain.WrapError(domain.ErrNotFound, "xlsx.WriteAccounting", fmt.Errorf("report has no accounting data"))
	}
	data := report.AccountingData

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetAssignments); err != nil {
		return fmt.Errorf("rename default sheet: %w", err)
	}
	rows := [][]any{assignmentHeader}
	for _, a := range data.Assignments {
		var allowance any
		if a.MealAllowanceAdded != nil {
			allowance = *a.MealAllowanceAdded
		}
		rows = append(rows, []any{a.ReceiptID, a.EntryID, a.Date, a.Category, a.Amount, a.Currency, allowance, a.AssignmentConfidence})
	}
	rows = append(rows, []any{})
	for _, currency := range sortedCurrencies(data.TotalsByCurrency) {
		rows = append(rows, []any{"Total", "", "", "", data.TotalsByCurrency[currency], currency})
	}
	rows = append(rows, []any{"Meal allowance total", "", "", "", data.MealAllowanceTotal, "EUR"})
	if err := writeRows(f, SheetAssignments, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetEntries); err != nil {
		return fmt.Errorf("create sheet %s: %w", SheetEntries, err)
	}
	rows = [][]any{entryHeader}
	for _, e := range data.Entries {
		rows = append(rows, []any{e.EntryID, e.Date, e.CountryCode, e.WorkingHours, string(e.Absence), string(e.AllowanceKind), e.MealAllowance})
	}
	if err := writeRows(f, SheetEntries, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetIssues); err != nil {
		return fmt.Errorf("create sheet %s: %w", SheetIssues, err)
	}
	rows = [][]any{issueHeader}
	for i, issue := range data.Issues {
		rows = append(rows, []any{i + 1, issue})
	}
	if data.ReviewError != "" {
		rows = append(rows, []any{"review", data.ReviewError})
	}
	if err := writeRows(f, SheetIssues, rows); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func sortedCurrencies(totals map[string]float64) []string {
	out := make([]string, 0, len(totals))
	for currency := range totals {
		out = append(out, currency)
	}
	sort.Strings(out)
	return out
}
