package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

const (
	confidenceExplicitMatch = 1.0
	confidenceExplicitLink  = 0.9
	confidenceProximityBase = 0.8
	confidencePerDayPenalty = 0.1
	unknownCurrency         = "UNKNOWN"

	// An issue kind becomes an insight once it shows up in this many reports
	// of the same user.
	recurringIssueMinReports = 2
	recurringIssueHistory    = 50
)

// Issue kinds tracked across reports.
const (
	issueMissingHours         = "missing_hours"
	issueUnassignedReceipt    = "unassigned_receipt"
	issueHotelOverlap         = "hotel_overlap"
	issueMissingExchangeProof = "missing_exchange_proof"
)

var issueKindDescriptions = map[string]string{
	issueMissingHours:         "report entries without recorded timesheet hours",
	issueUnassignedReceipt:    "receipts that match no report entry",
	issueHotelOverlap:         "overlapping hotel receipts",
	issueMissingExchangeProof: "foreign-currency receipts without an exchange proof",
}

type AccountingAgentDeps struct {
	LLM    ports.LanguageModel
	Memory *AgentMemory
	Bus    ports.AgentBus
}

// AccountingAgent reconciles receipts against report entries and timesheets.
type AccountingAgent struct {
	llm    ports.LanguageModel
	memory *AgentMemory
	bus    ports.AgentBus
	rules  domain.AccountingRules
	rates  domain.MealAllowanceRates
	now    func() time.Time
}

func NewAccountingAgent(deps AccountingAgentDeps, rules domain.AccountingRules, rates domain.MealAllowanceRates) *AccountingAgent {
	if rules.OverlapWindowDays < 0 {
		rules.OverlapWindowDays = 0
	}
	if rules.DateProximityDays < 0 {
		rules.DateProximityDays = 0
	}
	if rules.DefaultWeeklyHours <= 0 {
		rules.DefaultWeeklyHours = 40
	}
	if deps.Memory == nil {
		deps.Memory = NewAgentMemory(domain.AgentAccounting, nil, MemoryOptions{})
	}
	return &AccountingAgent{
		llm:    deps.LLM,
		memory: deps.Memory,
		bus:    deps.Bus,
		rules:  rules,
		rates:  rates,
		now:    time.Now,
	}
}

func (a *AccountingAgent) Name() string {
	return domain.AgentAccounting
}

func (a *AccountingAgent) Memory() *AgentMemory {
	return a.memory
}

// receiptFacts is the parsed view of one analyzed expense receipt.
type receiptFacts struct {
	receipt  domain.Receipt
	docType  domain.DocumentType
	date     time.Time
	hasDate  bool
	amount   float64
	currency string
}

// Reconcile computes hours, meal allowances and receipt assignments for a
// report. Issues and confidences depend only on the input. An unavailable
// plausibility review is attached as ReviewError instead of failing.
func (a *AccountingAgent) Reconcile(ctx context.Context, input domain.ReconciliationInput) (*domain.AccountingResult, error) {
	report := input.Report
	if report == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "reconcile", errors.New("report is required"))
	}

	result := &domain.AccountingResult{
		ReportID:         report.ID,
		Assignments:      []domain.ExpenseAssignment{},
		Entries:          []domain.EntryReconciliation{},
		Issues:           []string{},
		TotalsByCurrency: map[string]float64{},
		ReconciledAt:     a.now().UTC(),
	}

	entries := append([]domain.ReportEntry(nil), report.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].ID < entries[j].ID
	})

	kinds := make(map[string]int)
	allowanceByEntry := make(map[string]float64, len(entries))
	for _, entry := range entries {
		rec, recorded := a.reconcileEntry(entry, input.Timesheets)
		if !recorded {
			result.Issues = append(result.Issues, fmt.Sprintf("No timesheet hours recorded for %s", rec.Date))
			kinds[issueMissingHours]++
		}
		result.Entries = append(result.Entries, rec)
		result.MealAllowanceTotal += rec.MealAllowance
		allowanceByEntry[entry.ID] = rec.MealAllowance
	}

	receipts := append([]domain.Receipt(nil), report.Receipts...)
	sort.SliceStable(receipts, func(i, j int) bool {
		if !receipts[i].UploadedAt.Equal(receipts[j].UploadedAt) {
			return receipts[i].UploadedAt.Before(receipts[j].UploadedAt)
		}
		return receipts[i].ID < receipts[j].ID
	})

	proofs := make(map[string]bool)
	var expenses []receiptFacts
	for _, receipt := range receipts {
		if receipt.Kind == domain.ReceiptExchangeProof {
			if receipt.ProofFor != "" {
				proofs[receipt.ProofFor] = true
			}
			continue
		}
		facts, issues := inspectReceipt(receipt)
		result.Issues = append(result.Issues, issues...)
		if facts != nil {
			expenses = append(expenses, *facts)
		}
	}

	allowanceGranted := make(map[string]bool, len(entries))
	for _, facts := range expenses {
		assignment := a.assign(facts, entries)
		if assignment.EntryID == "" {
			result.Issues = append(result.Issues, unassignedIssue(facts, a.rules.DateProximityDays))
			kinds[issueUnassignedReceipt]++
		} else if allowance := allowanceByEntry[assignment.EntryID]; allowance > 0 && !allowanceGranted[assignment.EntryID] {
			granted := allowance
			assignment.MealAllowanceAdded = &granted
			allowanceGranted[assignment.EntryID] = true
		}
		result.Assignments = append(result.Assignments, assignment)
		result.TotalsByCurrency[assignment.Currency] = roundCents(result.TotalsByCurrency[assignment.Currency] + assignment.Amount)
	}

	overlaps := hotelOverlapIssues(expenses, a.rules.OverlapWindowDays)
	result.Issues = append(result.Issues, overlaps...)
	if len(overlaps) > 0 {
		kinds[issueHotelOverlap] += len(overlaps)
	}
	for _, facts := range expenses {
		if facts.currency != unknownCurrency && facts.currency != domain.BaseCurrency && !proofs[facts.receipt.ID] {
			result.Issues = append(result.Issues, fmt.Sprintf(
				"Receipt %q is in %s; please upload an exchange-proof document (e.g. bank or card statement) for it",
				facts.receipt.Filename, facts.currency))
			kinds[issueMissingExchangeProof]++
		}
	}
	result.MealAllowanceTotal = roundCents(result.MealAllowanceTotal)

	a.review(ctx, report, result)
	a.record(ctx, report, result, kinds)
	a.learnRecurringIssues(ctx, report, kinds)
	return result, nil
}

// reconcileEntry reports false when no verified timesheet records the day.
func (a *AccountingAgent) reconcileEntry(entry domain.ReportEntry, timesheets []domain.Timesheet) (domain.EntryReconciliation, bool) {
	rec := domain.EntryReconciliation{
		EntryID:       entry.ID,
		Date:          entry.Date.Format(domain.DateLayout),
		CountryCode:   strings.ToUpper(strings.TrimSpace(entry.CountryCode)),
		AllowanceKind: domain.MealAllowanceNone,
	}

	recorded := false
	for _, sheet := range timesheets {
		if !sheet.Verified() || !sheet.Covers(entry.Date) {
			continue
		}
		day, ok := findTimesheetDay(sheet, entry.Date)
		if !ok {
			continue
		}
		recorded = true
		rec.Absence = day.Absence
		if day.Absence != domain.AbsenceNone {
			weekly := sheet.WeeklyHours
			if weekly <= 0 {
				weekly = a.rules.DefaultWeeklyHours
			}
			rec.WorkingHours = weekly / 5
		} else {
			rec.WorkingHours = day.Hours
		}
		break
	}

	hoursAway := entry.AbsenceHours
	if hoursAway <= 0 {
		hoursAway = rec.WorkingHours
	}
	rate := a.rates.Lookup(rec.CountryCode)
	switch {
	case rec.Absence != domain.AbsenceNone:
	case hoursAway >= a.rules.FullDayMinHours:
		rec.MealAllowance = rate.FullDay
		rec.AllowanceKind = domain.MealAllowanceFull
	case hoursAway > a.rules.PartialDayMinHours:
		rec.MealAllowance = rate.PartialDay
		rec.AllowanceKind = domain.MealAllowancePartial
	}
	return rec, recorded
}

func findTimesheetDay(sheet domain.Timesheet, date time.Time) (domain.TimesheetDay, bool) {
	want := date.Format(domain.DateLayout)
	for _, day := range sheet.Days {
		if day.Date.Format(domain.DateLayout) == want {
			return day, true
		}
	}
	return domain.TimesheetDay{}, false
}

// inspectReceipt returns nil facts when the receipt cannot take part in
// assignment at all.
func inspectReceipt(receipt domain.Receipt) (*receiptFacts, []string) {
	analysis := receipt.Analysis
	if analysis == nil {
		return nil, []string{fmt.Sprintf("Receipt %q has not been analyzed yet", receipt.Filename)}
	}
	if analysis.Confidence == 0 && len(analysis.ExtractedData) == 0 {
		return nil, []string{fmt.Sprintf("Receipt %q could not be read; please upload a readable copy", receipt.Filename)}
	}

	var issues []string
	missing := make([]string, 0, len(analysis.CompletenessCheck))
	for field, ok := range analysis.CompletenessCheck {
		if !ok {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		issues = append(issues, fmt.Sprintf("Receipt %q is missing required fields: %s", receipt.Filename, strings.Join(missing, ", ")))
	}

	facts := &receiptFacts{
		receipt:  receipt,
		docType:  analysis.DocumentType,
		currency: strings.ToUpper(analysis.ExtractedData[domain.FieldCurrency]),
	}
	if facts.currency == "" {
		facts.currency = unknownCurrency
	}
	if date, err := time.Parse(domain.DateLayout, analysis.ExtractedData[domain.FieldDate]); err == nil {
		facts.date = date
		facts.hasDate = true
	}
	if amount, err := strconv.ParseFloat(analysis.ExtractedData[domain.FieldAmount], 64); err == nil {
		facts.amount = roundCents(amount)
	}
	return facts, issues
}

func (a *AccountingAgent) assign(facts receiptFacts, entries []domain.ReportEntry) domain.ExpenseAssignment {
	assignment := domain.ExpenseAssignment{
		ReceiptID: facts.receipt.ID,
		Category:  string(facts.docType),
		Amount:    facts.amount,
		Currency:  facts.currency,
	}
	if facts.hasDate {
		assignment.Date = facts.date.Format(domain.DateLayout)
	}

	if facts.receipt.EntryID != "" {
		for _, entry := range entries {
			if entry.ID != facts.receipt.EntryID {
				continue
			}
			assignment.EntryID = entry.ID
			assignment.AssignmentConfidence = confidenceExplicitLink
			if facts.hasDate && dayDistance(entry.Date, facts.date) == 0 {
				assignment.AssignmentConfidence = confidenceExplicitMatch
			}
			if entry.Category != "" {
				assignment.Category = entry.Category
			}
			return assignment
		}
	}

	if !facts.hasDate {
		return assignment
	}
	best := -1
	bestDays := 0
	for i, entry := range entries {
		days := dayDistance(entry.Date, facts.date)
		if days > a.rules.DateProximityDays {
			continue
		}
		if best < 0 || days < bestDays {
			best, bestDays = i, days
		}
	}
	if best < 0 {
		return assignment
	}
	entry := entries[best]
	assignment.EntryID = entry.ID
	assignment.AssignmentConfidence = math.Round((confidenceProximityBase-confidencePerDayPenalty*float64(bestDays))*100) / 100
	if entry.Category != "" {
		assignment.Category = entry.Category
	}
	return assignment
}

func unassignedIssue(facts receiptFacts, proximityDays int) string {
	if !facts.hasDate {
		return fmt.Sprintf("Receipt %q has no date and cannot be assigned to a report entry", facts.receipt.Filename)
	}
	return fmt.Sprintf("Receipt %q dated %s matches no report entry within %d day(s)",
		facts.receipt.Filename, facts.date.Format(domain.DateLayout), proximityDays)
}

// hotelOverlapIssues flags hotel receipt pairs whose dates lie within the
// inclusive window.
func hotelOverlapIssues(expenses []receiptFacts, windowDays int) []string {
	var hotels []receiptFacts
	for _, facts := range expenses {
		if facts.docType == domain.DocHotelReceipt && facts.hasDate {
			hotels = append(hotels, facts)
		}
	}
	sort.SliceStable(hotels, func(i, j int) bool {
		if !hotels[i].date.Equal(hotels[j].date) {
			return hotels[i].date.Before(hotels[j].date)
		}
		return hotels[i].receipt.ID < hotels[j].receipt.ID
	})

	var issues []string
	for i := 0; i < len(hotels); i++ {
		for j := i + 1; j < len(hotels); j++ {
			if dayDistance(hotels[i].date, hotels[j].date) > windowDays {
				break
			}
			issues = append(issues, fmt.Sprintf("Hotel receipts %q (%s) and %q (%s) overlap within %d days",
				hotels[i].receipt.Filename, hotels[i].date.Format(domain.DateLayout),
				hotels[j].receipt.Filename, hotels[j].date.Format(domain.DateLayout),
				windowDays))
		}
	}
	return issues
}

func (a *AccountingAgent) review(ctx context.Context, report *domain.Report, result *domain.AccountingResult) {
	if a.llm == nil {
		return
	}
	digest := a.memory.ContextForPrompt(ctx, 300, "")
	summary, err := a.llm.Generate(ctx, domain.GenerateRequest{
		Prompt:       buildPlausibilityPrompt(report, result, digest),
		SystemPrompt: plausibilitySystemPrompt,
		Role:         domain.RoleAccounting,
	})
	if err != nil {
		slog.Error("accounting_review_failed", "report_id", report.ID, "error", err)
		result.ReviewError = fmt.Sprintf("plausibility review unavailable: %v", err)
		a.memory.AddError(ctx, "plausibility_review", err, MemoryDetails{Context: map[string]any{"report_id": report.ID}})
		return
	}
	result.Summary = strings.TrimSpace(summary)
}

func (a *AccountingAgent) record(ctx context.Context, report *domain.Report, result *domain.AccountingResult, kinds map[string]int) {
	confidence := 1.0
	if len(result.Assignments) > 0 {
		var sum float64
		for _, assignment := range result.Assignments {
			sum += assignment.AssignmentConfidence
		}
		confidence = math.Round(sum/float64(len(result.Assignments))*1000) / 1000
	}

	decision := fmt.Sprintf("Report %s (%s) reconciled: %d assignment(s), %d issue(s), meal allowance %.2f EUR",
		report.ID, report.Month, len(result.Assignments), len(result.Issues), result.MealAllowanceTotal)
	tags := []string{"report:" + report.ID}
	for kind := range kinds {
		tags = append(tags, recurringIssueTag(kind, report.UserID))
	}
	a.memory.AddDecision(ctx, decision, confidence, MemoryDetails{
		Context:  map[string]any{"report_id": report.ID, "month": report.Month},
		Metadata: map[string]any{"issues": len(result.Issues), "meal_allowance_total": result.MealAllowanceTotal},
		Tags:     tags,
	})

	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, domain.TopicReconciliationCompleted, domain.AgentMessage{
		ReportID: report.ID,
		UserID:   report.UserID,
		Sender:   domain.AgentAccounting,
		Content:  decision,
		Context: map[string]any{
			"issues":       append([]string(nil), result.Issues...),
			"review_error": result.ReviewError,
		},
	})
}

// learnRecurringIssues turns an issue kind seen in several reports of the same
// user into an insight, which the plausibility review reads back.
func (a *AccountingAgent) learnRecurringIssues(ctx context.Context, report *domain.Report, kinds map[string]int) {
	if report.UserID == "" || len(kinds) == 0 {
		return
	}
	ordered := make([]string, 0, len(kinds))
	for kind := range kinds {
		ordered = append(ordered, kind)
	}
	sort.Strings(ordered)

	for _, kind := range ordered {
		tag := recurringIssueTag(kind, report.UserID)
		history := a.memory.Search(ctx, domain.MemoryQuery{
			Type:  domain.MemoryDecision,
			Tags:  []string{tag},
			Limit: recurringIssueHistory,
		})
		reports := make(map[string]struct{}, len(history))
		for _, entry := range history {
			if id, _ := entry.Context["report_id"].(string); id != "" {
				reports[id] = struct{}{}
			}
		}
		if len(reports) < recurringIssueMinReports {
			continue
		}
		if known := a.memory.Search(ctx, domain.MemoryQuery{Type: domain.MemoryInsight, Tags: []string{tag}, Limit: 1}); len(known) > 0 {
			continue
		}
		insight := fmt.Sprintf("User %s repeatedly submits %s (%d reports)", report.UserID, issueKindDescriptions[kind], len(reports))
		a.memory.AddInsight(ctx, insight, MemoryDetails{
			Context:  map[string]any{"user_id": report.UserID, "issue_kind": kind},
			Metadata: map[string]any{"reports": len(reports)},
			Tags:     []string{tag},
		})
		slog.Info("accounting_insight_recorded", "user_id", report.UserID, "issue_kind", kind, "reports", len(reports))
	}
}

func recurringIssueTag(kind, userID string) string {
	return "issue:" + kind + ":user:" + userID
}

func dayDistance(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
