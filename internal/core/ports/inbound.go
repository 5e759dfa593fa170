package ports

import (
	"context"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// DocumentAnalyzer extracts and validates a single receipt. It never fails:
// extraction problems are reported inside the analysis.
type DocumentAnalyzer interface {
	Name() string
	AnalyzeDocument(ctx context.Context, req domain.DocumentRequest) domain.DocumentAnalysis
}

// ExpenseReconciler cross-checks receipts against timesheet records.
type ExpenseReconciler interface {
	Name() string
	Reconcile(ctx context.Context, input domain.ReconciliationInput) (*domain.AccountingResult, error)
}

// ReviewConversation drives the clarification dialogue with the employee.
type ReviewConversation interface {
	Name() string
	ComposeIssueMessage(ctx context.Context, report *domain.Report, issues []string) domain.AgentResponse
	Respond(ctx context.Context, msg domain.AgentMessage) (*domain.AgentResponse, error)
}

// ReviewOrchestrator is the inbound contract for the review pipeline.
type ReviewOrchestrator interface {
	HandleUpload(ctx context.Context, reportID, receiptID string) (*domain.DocumentAnalysis, error)
	Submit(ctx context.Context, reportID string) error
	Reconcile(ctx context.Context, reportID string) (*domain.AccountingResult, error)
	HandleChatMessage(ctx context.Context, reportID, userID, content string) (*domain.AgentResponse, error)
}

// ReceiptIngestor stores an uploaded receipt and queues its analysis.
type ReceiptIngestor interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.Receipt, error)
}

// ReportReader is the read model for reports.
type ReportReader interface {
	GetReport(ctx context.Context, id string) (*domain.Report, error)
}
