package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/travel-expense-review/internal/config"
	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/travel-expense-review/internal/observability/metrics"
)

const (
	serviceName    = "api"
	maxUploadBytes = 32 << 20
	xlsxMimeType   = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Router struct {
	ingest  ports.ReceiptIngestor
	review  ports.ReviewOrchestrator
	reports ports.ReportReader

	memoryHealth func() []domain.MemoryHealth
	metrics      *metrics.HTTPServerMetrics

	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

type RouterOption func(*Router)

// WithMemoryHealth exposes agent memory health on /healthz.
func WithMemoryHealth(fn func() []domain.MemoryHealth) RouterOption {
	return func(rt *Router) { rt.memoryHealth = fn }
}

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) { rt.metrics = m }
}

func NewRouter(
	cfg config.Config,
	ingest ports.ReceiptIngestor,
	review ports.ReviewOrchestrator,
	reports ports.ReportReader,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		ingest:           ingest,
		review:           review,
		reports:          reports,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIMaxInFlight,
		backpressureWait: cfg.APIBackpressureWait,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /v1/reports/{id}", rt.getReport)
	mux.HandleFunc("POST /v1/reports/{id}/receipts", rt.uploadReceipt)
	mux.HandleFunc("POST /v1/reports/{id}/submit", rt.submitReport)
	mux.HandleFunc("POST /v1/reports/{id}/chat", rt.chat)
	mux.HandleFunc("GET /v1/reports/{id}/accounting.xlsx", rt.exportAccounting)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.maxInFlight, rt.backpressureWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if rt.memoryHealth != nil {
		health := rt.memoryHealth()
		for _, h := range health {
			if h.Degraded {
				resp["status"] = "degraded"
				break
			}
		}
		resp["memory"] = health
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := rt.reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) uploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "multipart field 'file' is required",
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}
	defer file.Close()

	kind := domain.ReceiptKind(strings.TrimSpace(r.FormValue("kind")))
	receipt, err := rt.ingest.Upload(r.Context(), domain.UploadRequest{
		ReportID: r.PathValue("id"),
		EntryID:  strings.TrimSpace(r.FormValue("entry_id")),
		Kind:     kind,
		ProofFor: strings.TrimSpace(r.FormValue("proof_for")),
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Body:     file,
	})
	if rt.metrics != nil {
		if kind == "" {
			kind = domain.ReceiptExpense
		}
		rt.metrics.RecordReceiptUpload(serviceName, string(kind), err)
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (rt *Router) submitReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := rt.review.Submit(r.Context(), id)
	if rt.metrics != nil {
		rt.metrics.RecordSubmission(serviceName, submissionOutcome(err))
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"report_id": id,
		"status":    string(domain.ReportInReview),
	})
}

func submissionOutcome(err error) string {
	var validation *domain.ValidationError
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &validation):
		return "rejected"
	default:
		return "error"
	}
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     "invalid json",
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}

	resp, err := rt.review.HandleChatMessage(r.Context(), r.PathValue("id"), strings.TrimSpace(req.UserID), req.Content)
	if resp != nil && rt.metrics != nil {
		rt.metrics.RecordChatTurn(serviceName, resp.ActionTaken)
	}
	if err != nil {
		// A reply was produced even though the follow-up reconciliation failed.
		if resp != nil && domain.IsKind(err, domain.ErrTemporary) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"reply":   resp,
				"warning": "accounting re-check failed, send another message to retry",
			})
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) exportAccounting(w http.ResponseWriter, r *http.Request) {
	report, err := rt.reports.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := xlsx.WriteAccounting(&buf, report); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxMimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+report.ID+`-accounting.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
