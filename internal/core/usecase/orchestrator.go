package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

const chatHistoryLimit = 20

const escalationMessage = "Your report needs a manual check by the accounting team. " +
	"You do not need to do anything right now; we will get back to you here."

const unchangedIssuesMessage = "I checked your report again. The points listed above are still open."

// OrchestratorDeps wires the review pipeline. Audit, Scheduler, Bus and
// Locker are optional; without a scheduler reconciliation runs inline on
// submit, and without a locker reports are only serialized in-process.
type OrchestratorDeps struct {
	Reports    ports.ReportStore
	Timesheets ports.TimesheetStore
	Documents  ports.DocumentAnalyzer
	Accounting ports.ExpenseReconciler
	Chat       ports.ReviewConversation
	Audit      ports.AuditLogger
	Scheduler  ports.ReviewScheduler
	Bus        ports.AgentBus
	Locker     ports.ReportLocker
}

// Orchestrator drives reports through draft, in_review and approved. All
// operations on one report run inside that report's critical section.
type Orchestrator struct {
	reports    ports.ReportStore
	timesheets ports.TimesheetStore
	documents  ports.DocumentAnalyzer
	accounting ports.ExpenseReconciler
	chat       ports.ReviewConversation
	audit      ports.AuditLogger
	scheduler  ports.ReviewScheduler
	bus        ports.AgentBus
	locker     ports.ReportLocker
	locks      *reportLocks
	now        func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		reports:    deps.Reports,
		timesheets: deps.Timesheets,
		documents:  deps.Documents,
		accounting: deps.Accounting,
		chat:       deps.Chat,
		audit:      deps.Audit,
		scheduler:  deps.Scheduler,
		bus:        deps.Bus,
		locker:     deps.Locker,
		locks:      newReportLocks(),
		now:        time.Now,
	}
}

// HandleUpload analyzes one stored receipt and re-reconciles a report that
// is already in review.
func (o *Orchestrator) HandleUpload(ctx context.Context, reportID, receiptID string) (*domain.DocumentAnalysis, error) {
	unlock, err := o.lockReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	receipt, err := o.reports.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.ReportID != reportID {
		return nil, domain.WrapError(domain.ErrInvalidInput, "handle upload", fmt.Errorf("receipt %s does not belong to report %s", receiptID, reportID))
	}
	report, err := o.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	analysis := o.documents.AnalyzeDocument(ctx, domain.DocumentRequest{
		StoragePath:      receipt.StoragePath,
		OriginalFilename: receipt.Filename,
		Encrypted:        receipt.Encrypted,
		Kind:             receipt.Kind,
		ReportID:         reportID,
		UserID:           report.UserID,
	})
	if err := o.reports.SaveReceiptAnalysis(ctx, receiptID, analysis); err != nil {
		return nil, fmt.Errorf("save receipt analysis: %w", err)
	}
	o.logAudit(ctx, domain.AuditEvent{
		Action:       "document_analyzed",
		UserID:       report.UserID,
		ResourceType: "receipt",
		ResourceID:   receiptID,
		Details: map[string]any{
			"agent":          o.documents.Name(),
			"decision_type":  "document_analysis",
			"confidence":     analysis.Confidence,
			"human_reviewed": false,
			"document_type":  string(analysis.DocumentType),
			"issues":         len(analysis.ValidationIssues),
		},
	})

	if report.Status == domain.ReportInReview {
		if _, err := o.reconcileLocked(ctx, reportID); err != nil {
			slog.Error("review_reconcile_after_upload_failed", "report_id", reportID, "receipt_id", receiptID, "error", err)
		}
	}
	return &analysis, nil
}

// Submit gates draft -> in_review on verified timesheets and schedules the
// first reconciliation. Resubmitting a report in review only reschedules it.
func (o *Orchestrator) Submit(ctx context.Context, reportID string) error {
	unlock, err := o.lockReport(ctx, reportID)
	if err != nil {
		return err
	}
	defer unlock()

	report, err := o.reports.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	switch report.Status {
	case domain.ReportApproved:
		return domain.WrapError(domain.ErrInvalidInput, "submit report", errors.New("report is already approved"))
	case domain.ReportInReview:
		return o.schedule(ctx, reportID)
	}

	if len(report.Entries) == 0 {
		return &domain.ValidationError{Reason: "report has no entries"}
	}
	uncovered, err := o.uncoveredDates(ctx, report)
	if err != nil {
		return err
	}
	if len(uncovered) > 0 {
		slog.Info("report_submission_rejected", "report_id", reportID, "uncovered_dates", uncovered)
		return &domain.ValidationError{
			Reason: "no approved, uploaded and signature-verified timesheet covers",
			Dates:  uncovered,
		}
	}

	if err := o.reports.UpdateStatus(ctx, reportID, domain.ReportDraft, domain.ReportInReview); err != nil {
		return fmt.Errorf("set report in review: %w", err)
	}
	slog.Info("report_submitted", "report_id", reportID, "entries", len(report.Entries))
	return o.schedule(ctx, reportID)
}

func (o *Orchestrator) schedule(ctx context.Context, reportID string) error {
	if o.scheduler == nil {
		_, err := o.reconcileLocked(ctx, reportID)
		return err
	}
	if err := o.scheduler.ScheduleReconciliation(ctx, reportID); err != nil {
		return domain.WrapError(domain.ErrTemporary, "schedule reconciliation", err)
	}
	return nil
}

func (o *Orchestrator) uncoveredDates(ctx context.Context, report *domain.Report) ([]string, error) {
	seen := make(map[string]bool, len(report.Entries))
	var uncovered []string
	for _, entry := range report.Entries {
		day := entry.Date.Format(domain.DateLayout)
		if _, ok := seen[day]; ok {
			continue
		}
		sheets, err := o.timesheets.FindCovering(ctx, report.UserID, entry.Date)
		if err != nil {
			return nil, fmt.Errorf("find covering timesheets: %w", err)
		}
		covered := false
		for _, sheet := range sheets {
			if sheet.Verified() && sheet.Covers(entry.Date) {
				covered = true
				break
			}
		}
		seen[day] = covered
		if !covered {
			uncovered = append(uncovered, day)
		}
	}
	sort.Strings(uncovered)
	return uncovered, nil
}

// Reconcile runs one accounting pass for a report in review.
func (o *Orchestrator) Reconcile(ctx context.Context, reportID string) (*domain.AccountingResult, error) {
	unlock, err := o.lockReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.reconcileLocked(ctx, reportID)
}

// lockReport enters the report's critical section: the in-process lock
// first, then the cross-process lock when a locker is configured.
func (o *Orchestrator) lockReport(ctx context.Context, reportID string) (func(), error) {
	unlockLocal := o.locks.Lock(reportID)
	if o.locker == nil {
		return unlockLocal, nil
	}
	unlockShared, err := o.locker.LockReport(ctx, reportID)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		unlockShared()
		unlockLocal()
	}, nil
}

func (o *Orchestrator) reconcileLocked(ctx context.Context, reportID string) (*domain.AccountingResult, error) {
	report, err := o.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	switch report.Status {
	case domain.ReportApproved:
		return report.AccountingData, nil
	case domain.ReportDraft:
		return nil, domain.WrapError(domain.ErrInvalidInput, "reconcile", errors.New("report has not been submitted"))
	}

	timesheets, err := o.verifiedTimesheets(ctx, report)
	if err != nil {
		return nil, err
	}
	result, err := o.accounting.Reconcile(ctx, domain.ReconciliationInput{Report: report, Timesheets: timesheets})
	if err != nil {
		return nil, fmt.Errorf("reconcile report: %w", err)
	}
	if err := o.reports.SaveAccountingData(ctx, reportID, result); err != nil {
		return nil, fmt.Errorf("save accounting data: %w", err)
	}

	if len(result.Issues) > 0 {
		o.postIssues(ctx, report, result.Issues)
	}
	switch {
	case result.ReviewError != "":
		slog.Warn("review_escalated", "report_id", reportID, "review_error", result.ReviewError)
		o.postMessage(ctx, reportID, domain.AgentChat, escalationMessage, domain.ActionEscalated)
		o.logAudit(ctx, o.decisionEvent(report, result, "review_escalated"))
	case len(result.Issues) == 0:
		err := o.reports.UpdateStatus(ctx, reportID, domain.ReportInReview, domain.ReportApproved)
		if domain.IsKind(err, domain.ErrConflict) {
			slog.Warn("report_approval_skipped", "report_id", reportID, "error", err)
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("approve report: %w", err)
		}
		o.logAudit(ctx, o.decisionEvent(report, result, "report_approved"))
		o.postMessage(ctx, reportID, domain.AgentAccounting, "Your travel expense report has been approved.", domain.ActionReportApproved)
		if o.bus != nil {
			o.bus.Publish(ctx, domain.TopicReportApproved, domain.AgentMessage{
				ReportID: reportID,
				UserID:   report.UserID,
				Sender:   domain.AgentAccounting,
				Content:  "report approved",
				Context:  map[string]any{"meal_allowance_total": result.MealAllowanceTotal},
			})
		}
		slog.Info("report_approved", "report_id", reportID)
	}
	return result, nil
}

// postIssues enumerates open issues in the report thread. A pass that finds
// exactly the issues already posted only gets a short reminder.
func (o *Orchestrator) postIssues(ctx context.Context, report *domain.Report, issues []string) {
	if report.AccountingData != nil && sameIssues(report.AccountingData.Issues, issues) {
		o.postMessage(ctx, report.ID, domain.AgentChat, unchangedIssuesMessage, domain.ActionFollowUpRequested)
		slog.Info("review_issues_unchanged", "report_id", report.ID, "issues", len(issues))
		return
	}
	resp := o.chat.ComposeIssueMessage(ctx, report, issues)
	o.postMessage(ctx, report.ID, resp.Agent, resp.Content, resp.ActionTaken)
	slog.Info("review_issues_posted", "report_id", report.ID, "issues", len(issues))
}

func sameIssues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	left := append([]string(nil), a...)
	right := append([]string(nil), b...)
	sort.Strings(left)
	sort.Strings(right)
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

func (o *Orchestrator) verifiedTimesheets(ctx context.Context, report *domain.Report) ([]domain.Timesheet, error) {
	months := make(map[string]struct{})
	for _, entry := range report.Entries {
		months[entry.Date.Format(domain.MonthLayout)] = struct{}{}
	}
	ordered := make([]string, 0, len(months))
	for month := range months {
		ordered = append(ordered, month)
	}
	sort.Strings(ordered)

	var out []domain.Timesheet
	for _, month := range ordered {
		sheets, err := o.timesheets.FindVerified(ctx, report.UserID, month)
		if err != nil {
			return nil, fmt.Errorf("find verified timesheets: %w", err)
		}
		out = append(out, sheets...)
	}
	return out, nil
}

// HandleChatMessage records the employee message, lets the chat agent answer
// and reruns accounting when the agent asks for it.
func (o *Orchestrator) HandleChatMessage(ctx context.Context, reportID, userID, content string) (*domain.AgentResponse, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "chat message", errors.New("message is empty"))
	}
	unlock, err := o.lockReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report, err := o.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if userID != "" && report.UserID != userID {
		return nil, domain.WrapError(domain.ErrNotFound, "chat message", fmt.Errorf("report %s", reportID))
	}

	history, err := o.reports.ListMessages(ctx, reportID, chatHistoryLimit)
	if err != nil {
		slog.Warn("chat_history_unavailable", "report_id", reportID, "error", err)
	}
	o.postMessage(ctx, reportID, domain.SenderUser, content, "")

	issues := []string{}
	if report.Status == domain.ReportInReview && report.AccountingData != nil {
		issues = append(issues, report.AccountingData.Issues...)
	}
	resp, err := o.chat.Respond(ctx, domain.AgentMessage{
		ReportID: reportID,
		UserID:   report.UserID,
		Sender:   domain.SenderUser,
		Content:  content,
		Context:  map[string]any{ChatContextIssues: issues, ChatContextHistory: history},
	})
	if err != nil {
		return nil, err
	}
	o.postMessage(ctx, reportID, resp.Agent, resp.Content, resp.ActionTaken)

	if resp.NextAgent == domain.AgentAccounting && report.Status == domain.ReportInReview {
		if _, err := o.reconcileLocked(ctx, reportID); err != nil {
			slog.Error("review_rerun_failed", "report_id", reportID, "error", err)
			return resp, domain.WrapError(domain.ErrTemporary, "rerun accounting", err)
		}
	}
	return resp, nil
}

func (o *Orchestrator) decisionEvent(report *domain.Report, result *domain.AccountingResult, action string) domain.AuditEvent {
	confidence := 1.0
	if n := len(result.Assignments); n > 0 {
		var sum float64
		for _, a := range result.Assignments {
			sum += a.AssignmentConfidence
		}
		confidence = math.Round(sum/float64(n)*1000) / 1000
	}
	return domain.AuditEvent{
		Action:       action,
		UserID:       report.UserID,
		ResourceType: "report",
		ResourceID:   report.ID,
		Details: map[string]any{
			"agent":                o.accounting.Name(),
			"decision_type":        action,
			"confidence":           confidence,
			"human_reviewed":       false,
			"rationale":            result.Summary,
			"review_error":         result.ReviewError,
			"issues":               len(result.Issues),
			"assignments":          len(result.Assignments),
			"meal_allowance_total": result.MealAllowanceTotal,
		},
		CreatedAt: o.now().UTC(),
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, event domain.AuditEvent) {
	if o.audit == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = o.now().UTC()
	}
	if err := o.audit.Log(ctx, event); err != nil {
		slog.Error("audit_log_failed", "action", event.Action, "resource_id", event.ResourceID, "error", err)
	}
}

func (o *Orchestrator) postMessage(ctx context.Context, reportID, sender, content, action string) {
	err := o.reports.AppendMessage(ctx, domain.ReportMessage{
		ID:        uuid.NewString(),
		ReportID:  reportID,
		Sender:    sender,
		Content:   content,
		Action:    action,
		CreatedAt: o.now().UTC(),
	})
	if err != nil {
		slog.Error("report_message_failed", "report_id", reportID, "sender", sender, "error", err)
	}
}
