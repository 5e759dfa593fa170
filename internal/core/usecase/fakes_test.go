package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

type fakeMemoryStore struct {
	mu      sync.Mutex
	entries []domain.MemoryEntry
	err     error
	inserts int
}

func (f *fakeMemoryStore) Insert(_ context.Context, entry domain.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserts++
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeMemoryStore) Find(_ context.Context, filter domain.MemoryFilter) ([]domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.MemoryEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		entry := f.entries[i]
		if !memoryFilterMatches(entry, filter) {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMemoryStore) Count(_ context.Context, filter domain.MemoryFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for _, entry := range f.entries {
		if memoryFilterMatches(entry, filter) {
			n++
		}
	}
	return n, nil
}

func (f *fakeMemoryStore) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func memoryFilterMatches(entry domain.MemoryEntry, filter domain.MemoryFilter) bool {
	if filter.AgentName != "" && entry.AgentName != filter.AgentName {
		return false
	}
	if filter.Type != "" && entry.Type != filter.Type {
		return false
	}
	if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
		return false
	}
	if len(filter.Tags) > 0 && !hasAnyTag(entry.Tags, filter.Tags) {
		return false
	}
	return true
}

type fakeObjectStorage struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{files: make(map[string][]byte)}
}

func (f *fakeObjectStorage) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[key] = raw
	f.mu.Unlock()
	return nil
}

func (f *fakeObjectStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// fakeEncryptor reverses bytes behind a marker prefix.
type fakeEncryptor struct {
	storage   *fakeObjectStorage
	encrypted []string
	decrypted []string
	err       error
}

const fakeCipherPrefix = "ENC:"

func (f *fakeEncryptor) Encrypt(_ context.Context, key string) error {
	if f.err != nil {
		return f.err
	}
	f.storage.mu.Lock()
	defer f.storage.mu.Unlock()
	raw, ok := f.storage.files[key]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "encrypt", errors.New(key))
	}
	f.storage.files[key] = append([]byte(fakeCipherPrefix), reverseBytes(raw)...)
	f.encrypted = append(f.encrypted, key)
	return nil
}

func (f *fakeEncryptor) Decrypt(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.storage.mu.Lock()
	defer f.storage.mu.Unlock()
	raw, ok := f.storage.files[key]
	if !ok || !bytes.HasPrefix(raw, []byte(fakeCipherPrefix)) {
		return nil, fmt.Errorf("decrypt %s: not encrypted", key)
	}
	f.decrypted = append(f.decrypted, key)
	return reverseBytes(raw[len(fakeCipherPrefix):]), nil
}

func reverseBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

type fakeExtractor struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Name() string { return f.name }

func (f *fakeExtractor) Extract(_ context.Context, _ []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

// rawTextExtractor returns the stored bytes as text.
type rawTextExtractor struct{}

func (rawTextExtractor) Name() string { return "raw" }

func (rawTextExtractor) Extract(_ context.Context, data []byte) (string, error) {
	return string(data), nil
}

type fakeLanguageModel struct {
	mu       sync.Mutex
	requests []domain.GenerateRequest
	respond  func(req domain.GenerateRequest) (string, error)
}

func (f *fakeLanguageModel) Generate(_ context.Context, req domain.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond == nil {
		return "", domain.ErrLLMUnavailable
	}
	return f.respond(req)
}

func (f *fakeLanguageModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixedLanguage string

func (f fixedLanguage) DetectLanguage(string) string { return string(f) }

type fakeTranslator struct {
	calls int
	err   error
}

func (f *fakeTranslator) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("[%s->%s] %s", sourceLang, targetLang, text), nil
}

type publishedMessage struct {
	topic string
	msg   domain.AgentMessage
}

type fakeAgentBus struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string][]func(context.Context, domain.AgentMessage)
}

func newFakeAgentBus() *fakeAgentBus {
	return &fakeAgentBus{handlers: make(map[string][]func(context.Context, domain.AgentMessage))}
}

func (f *fakeAgentBus) Publish(ctx context.Context, topic string, msg domain.AgentMessage) {
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{topic: topic, msg: msg})
	handlers := append([]func(context.Context, domain.AgentMessage){}, f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(ctx, msg)
	}
}

func (f *fakeAgentBus) Subscribe(topic string, handler func(context.Context, domain.AgentMessage)) func() {
	f.mu.Lock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeAgentBus) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.published))
	for _, p := range f.published {
		out = append(out, p.topic)
	}
	return out
}

type fakeReportStore struct {
	mu       sync.Mutex
	reports  map[string]*domain.Report
	receipts map[string]*domain.Receipt
	messages []domain.ReportMessage
	statuses []domain.ReportStatus
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{
		reports:  make(map[string]*domain.Report),
		receipts: make(map[string]*domain.Receipt),
	}
}

func (f *fakeReportStore) addReport(report domain.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := report
	f.reports[r.ID] = &r
}

func (f *fakeReportStore) GetReport(_ context.Context, id string) (*domain.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get report", errors.New(id))
	}
	out := *report
	out.Entries = append([]domain.ReportEntry(nil), report.Entries...)
	out.Receipts = nil
	for _, receipt := range f.receipts {
		if receipt.ReportID == id {
			out.Receipts = append(out.Receipts, *receipt)
		}
	}
	sort.Slice(out.Receipts, func(i, j int) bool { return out.Receipts[i].ID < out.Receipts[j].ID })
	return &out, nil
}

func (f *fakeReportStore) GetReceipt(_ context.Context, id string) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "get receipt", errors.New(id))
	}
	out := *receipt
	return &out, nil
}

func (f *fakeReportStore) CreateReceipt(_ context.Context, receipt *domain.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := *receipt
	f.receipts[r.ID] = &r
	return nil
}

func (f *fakeReportStore) UpdateStatus(_ context.Context, id string, from, to domain.ReportStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "update status", errors.New(id))
	}
	if report.Status != from {
		return domain.WrapError(domain.ErrConflict, "update status", fmt.Errorf("%s is %s", id, report.Status))
	}
	report.Status = to
	f.statuses = append(f.statuses, to)
	return nil
}

func (f *fakeReportStore) SaveAccountingData(_ context.Context, id string, result *domain.AccountingResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.reports[id]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save accounting", errors.New(id))
	}
	if report.Status != domain.ReportInReview {
		return domain.WrapError(domain.ErrConflict, "save accounting", fmt.Errorf("%s is %s", id, report.Status))
	}
	report.AccountingData = result
	report.ReviewError = result.ReviewError
	return nil
}

func (f *fakeReportStore) SaveReceiptAnalysis(_ context.Context, receiptID string, analysis domain.DocumentAnalysis) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[receiptID]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "save analysis", errors.New(receiptID))
	}
	a := analysis
	receipt.Analysis = &a
	receipt.NeedsExchangeProof = analysis.NeedsExchangeProof
	return nil
}

func (f *fakeReportStore) AppendMessage(_ context.Context, message domain.ReportMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeReportStore) ListMessages(_ context.Context, reportID string, limit int) ([]domain.ReportMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReportMessage
	for _, m := range f.messages {
		if m.ReportID == reportID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeReportStore) status(id string) domain.ReportStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[id].Status
}

func (f *fakeReportStore) messagesFrom(sender string) []domain.ReportMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReportMessage
	for _, m := range f.messages {
		if m.Sender == sender {
			out = append(out, m)
		}
	}
	return out
}

// fakeReportLocker stands in for the shared database lock between
// orchestrator instances.
type fakeReportLocker struct {
	locks *reportLocks
}

func newFakeReportLocker() *fakeReportLocker {
	return &fakeReportLocker{locks: newReportLocks()}
}

func (f *fakeReportLocker) LockReport(_ context.Context, reportID string) (func(), error) {
	return f.locks.Lock(reportID), nil
}

type fakeTimesheetStore struct {
	sheets []domain.Timesheet
	err    error
}

func (f *fakeTimesheetStore) FindCovering(_ context.Context, userID string, day time.Time) ([]domain.Timesheet, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Timesheet
	for _, sheet := range f.sheets {
		if sheet.UserID == userID && sheet.Covers(day) {
			out = append(out, sheet)
		}
	}
	return out, nil
}

func (f *fakeTimesheetStore) FindVerified(_ context.Context, userID, month string) ([]domain.Timesheet, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Timesheet
	for _, sheet := range f.sheets {
		if sheet.UserID == userID && sheet.Month == month && sheet.Verified() {
			out = append(out, sheet)
		}
	}
	return out, nil
}

type fakeAuditLogger struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (f *fakeAuditLogger) Log(_ context.Context, event domain.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeAuditLogger) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	err       error
}

func (f *fakeScheduler) ScheduleReconciliation(_ context.Context, reportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, reportID)
	return f.err
}

type fakeReviewQueue struct {
	events []domain.ReviewEvent
	err    error
}

func (f *fakeReviewQueue) PublishReviewEvent(_ context.Context, event domain.ReviewEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeReviewQueue) SubscribeReviewEvents(context.Context, func(context.Context, domain.ReviewEvent) error) error {
	return nil
}

func containsIssue(issues []string, substr string) bool {
	for _, issue := range issues {
		if strings.Contains(strings.ToLower(issue), strings.ToLower(substr)) {
			return true
		}
	}
	return false
}

func mustDate(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}
