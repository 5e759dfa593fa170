package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/config"
	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

type reviewFake struct {
	submitErr error
	chatResp  *domain.AgentResponse
	chatErr   error
	lastChat  string
}

func (f *reviewFake) HandleUpload(context.Context, string, string) (*domain.DocumentAnalysis, error) {
	return &domain.DocumentAnalysis{}, nil
}

func (f *reviewFake) Submit(context.Context, string) error { return f.submitErr }

func (f *reviewFake) Reconcile(context.Context, string) (*domain.AccountingResult, error) {
	return &domain.AccountingResult{}, nil
}

func (f *reviewFake) HandleChatMessage(_ context.Context, _, _, content string) (*domain.AgentResponse, error) {
	f.lastChat = content
	return f.chatResp, f.chatErr
}

type reportsFake struct {
	report *domain.Report
	err    error
}

func (f reportsFake) GetReport(context.Context, string) (*domain.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func newErrorTestHandler(review *reviewFake, reports reportsFake) http.Handler {
	return NewRouter(config.Config{}, ingestFake{}, review, reports).Handler()
}

func TestSubmitMapsValidationErrorTo422WithDates(t *testing.T) {
	review := &reviewFake{submitErr: &domain.ValidationError{
		Reason: "no approved, uploaded and signature-verified timesheet covers",
		Dates:  []string{"2025-03-04"},
	}}
	handler := newErrorTestHandler(review, reportsFake{})

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/submit", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Dates) != 1 || body.Dates[0] != "2025-03-04" {
		t.Fatalf("expected uncovered dates in response, got %+v", body)
	}
	if body.RequestID == "" {
		t.Fatalf("expected request id in error response")
	}
}

func TestSubmitAccepted(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{}, reportsFake{})

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/submit", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
}

func TestSubmitMapsConflictTo409(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{
		submitErr: domain.WrapError(domain.ErrConflict, "update report status", errors.New("report r1 is approved, expected draft")),
	}, reportsFake{})

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/submit", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
}

func TestGetReportReturns404ForNotFound(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{}, reportsFake{
		err: domain.WrapError(domain.ErrNotFound, "get report", errors.New("id=missing")),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{}, reportsFake{err: errors.New("pq: connection refused to 10.0.0.5")})

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/r1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if bytes.Contains(res.Body.Bytes(), []byte("10.0.0.5")) {
		t.Fatalf("internal error detail leaked: %s", res.Body.String())
	}
}

func TestChatMapsInvalidInputTo400(t *testing.T) {
	review := &reviewFake{chatErr: domain.WrapError(domain.ErrInvalidInput, "chat", errors.New("message is empty"))}
	handler := newErrorTestHandler(review, reportsFake{})

	payload, _ := json.Marshal(chatRequest{UserID: "u1", Content: " "})
	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/chat", bytes.NewReader(payload))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestChatReturnsReply(t *testing.T) {
	review := &reviewFake{chatResp: &domain.AgentResponse{
		Agent:       domain.AgentChat,
		Content:     "Thanks, I will re-check the report.",
		ActionTaken: domain.ActionClarificationAccepted,
	}}
	handler := newErrorTestHandler(review, reportsFake{})

	payload, _ := json.Marshal(chatRequest{UserID: "u1", Content: "I uploaded the hotel invoice"})
	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/chat", bytes.NewReader(payload))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if review.lastChat != "I uploaded the hotel invoice" {
		t.Fatalf("unexpected forwarded content %q", review.lastChat)
	}
}

func TestChatReturnsReplyWhenRecheckFails(t *testing.T) {
	review := &reviewFake{
		chatResp: &domain.AgentResponse{Agent: domain.AgentChat, ActionTaken: domain.ActionClarificationAccepted},
		chatErr:  domain.WrapError(domain.ErrTemporary, "reconcile", errors.New("db down")),
	}
	handler := newErrorTestHandler(review, reportsFake{})

	payload, _ := json.Marshal(chatRequest{UserID: "u1", Content: "done"})
	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/chat", bytes.NewReader(payload))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
}

func TestExportAccountingWritesWorkbook(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{}, reportsFake{report: &domain.Report{
		ID:     "r1",
		Status: domain.ReportApproved,
		AccountingData: &domain.AccountingResult{
			ReportID:         "r1",
			TotalsByCurrency: map[string]float64{"EUR": 10},
			ReconciledAt:     time.Now(),
		},
	}})

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/r1/accounting.xlsx", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get("Content-Type") != xlsxMimeType {
		t.Fatalf("unexpected content type %q", res.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(res.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected zip container in response body")
	}
}

func TestExportAccountingWithoutReconciliationReturns404(t *testing.T) {
	handler := newErrorTestHandler(&reviewFake{}, reportsFake{report: &domain.Report{ID: "r1", Status: domain.ReportDraft}})

	req := httptest.NewRequest(http.MethodGet, "/v1/reports/r1/accounting.xlsx", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}
