package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

// LanguageModel generates text from a local inference endpoint.
type LanguageModel interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
}

// Translator renders receipt text in the target language.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// LanguageDetector returns the ISO 639-1 code of the text's language, or ""
// when it cannot tell.
type LanguageDetector interface {
	DetectLanguage(text string) string
}

// MemoryStore is the optional durable log behind agent memory.
type MemoryStore interface {
	Insert(ctx context.Context, entry domain.MemoryEntry) error
	Find(ctx context.Context, filter domain.MemoryFilter) ([]domain.MemoryEntry, error)
	Count(ctx context.Context, filter domain.MemoryFilter) (int64, error)
}

// ObjectStorage stores uploaded receipt files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Encryptor protects receipt files at rest. Decrypt never writes plaintext to disk.
type Encryptor interface {
	Encrypt(ctx context.Context, key string) error
	Decrypt(ctx context.Context, key string) ([]byte, error)
}

// TextExtractor is one text extraction strategy for receipt bytes.
type TextExtractor interface {
	Name() string
	Extract(ctx context.Context, data []byte) (string, error)
}

// AuditLogger records AI decisions for transparency logging.
type AuditLogger interface {
	Log(ctx context.Context, event domain.AuditEvent) error
}

// ReportStore reads and updates expense reports and their receipts.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (*domain.Report, error)
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	CreateReceipt(ctx context.Context, receipt *domain.Receipt) error
	// UpdateStatus moves a report from one status to another and returns
	// domain.ErrConflict when the report is no longer in from.
	UpdateStatus(ctx context.Context, id string, from, to domain.ReportStatus) error
	// SaveAccountingData only applies to reports in review.
	SaveAccountingData(ctx context.Context, id string, result *domain.AccountingResult) error
	SaveReceiptAnalysis(ctx context.Context, receiptID string, analysis domain.DocumentAnalysis) error
	AppendMessage(ctx context.Context, message domain.ReportMessage) error
	ListMessages(ctx context.Context, reportID string, limit int) ([]domain.ReportMessage, error)
}

// ReportLocker serializes review operations on one report across processes.
// The returned func releases the lock.
type ReportLocker interface {
	LockReport(ctx context.Context, reportID string) (func(), error)
}

// TimesheetStore is the read-only timesheet query surface.
type TimesheetStore interface {
	FindCovering(ctx context.Context, userID string, day time.Time) ([]domain.Timesheet, error)
	FindVerified(ctx context.Context, userID, month string) ([]domain.Timesheet, error)
}

// AgentBus delivers same-process notifications between agents.
type AgentBus interface {
	Publish(ctx context.Context, topic string, msg domain.AgentMessage)
	Subscribe(topic string, handler func(context.Context, domain.AgentMessage)) func()
}

// ReviewEventQueue carries review events between the api and worker processes.
type ReviewEventQueue interface {
	PublishReviewEvent(ctx context.Context, event domain.ReviewEvent) error
	SubscribeReviewEvents(ctx context.Context, handler func(context.Context, domain.ReviewEvent) error) error
}

// ReviewScheduler launches a reconciliation pass for a report in the background.
type ReviewScheduler interface {
	ScheduleReconciliation(ctx context.Context, reportID string) error
}
