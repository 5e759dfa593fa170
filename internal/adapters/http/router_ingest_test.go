package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/config"
	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

type ingestFake struct {
	last *domain.UploadRequest
}

func (f ingestFake) Upload(_ context.Context, req domain.UploadRequest) (*domain.Receipt, error) {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", io.EOF)
	}
	if f.last != nil {
		*f.last = req
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.ReceiptExpense
	}
	return &domain.Receipt{
		ID:          "rc-1",
		ReportID:    req.ReportID,
		EntryID:     req.EntryID,
		Kind:        kind,
		ProofFor:    req.ProofFor,
		Filename:    req.Filename,
		StoragePath: req.ReportID + "/rc-1_" + req.Filename,
		UploadedAt:  time.Now().UTC(),
	}, nil
}

func newRouterForIngestTests(last *domain.UploadRequest) http.Handler {
	return NewRouter(
		config.Config{},
		ingestFake{last: last},
		&reviewFake{},
		reportsFake{},
		WithMemoryHealth(func() []domain.MemoryHealth {
			return []domain.MemoryHealth{{Agent: domain.AgentDocument, DurableEnabled: true}}
		}),
	).Handler()
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestHealthzIncludesMemoryHealth(t *testing.T) {
	handler := newRouterForIngestTests(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var resp struct {
		Status string                `json:"status"`
		Memory []domain.MemoryHealth `json:"memory"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" || len(resp.Memory) != 1 || resp.Memory[0].Agent != domain.AgentDocument {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestUploadReceiptSuccess(t *testing.T) {
	var last domain.UploadRequest
	handler := newRouterForIngestTests(&last)

	body, contentType := multipartBody(t, "statement.pdf", []byte("%PDF-1.4"), map[string]string{
		"kind":      string(domain.ReceiptExchangeProof),
		"proof_for": "rc-0",
		"entry_id":  "e1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/receipts", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	var receipt map[string]any
	if err := json.NewDecoder(res.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if receipt["id"] != "rc-1" || receipt["report_id"] != "r1" {
		t.Fatalf("unexpected response: %+v", receipt)
	}
	if last.Kind != domain.ReceiptExchangeProof || last.ProofFor != "rc-0" || last.EntryID != "e1" {
		t.Fatalf("form fields not forwarded: %+v", last)
	}
}

func TestUploadReceiptMissingMultipartField(t *testing.T) {
	handler := newRouterForIngestTests(nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/receipts", bytes.NewBufferString("plain-text"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestUploadReceiptEmptyFileReturns400(t *testing.T) {
	handler := newRouterForIngestTests(nil)

	body, contentType := multipartBody(t, "empty.pdf", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/reports/r1/receipts", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	handler := newRouterForIngestTests(nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/reports/r1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}
