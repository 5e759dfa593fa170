package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/core/ports"
)

var allowedReceiptMimeTypes = map[string]bool{
	"":                         true,
	"application/pdf":          true,
	"application/octet-stream": true,
	"text/plain":               true,
}

type ReceiptIngestUseCase struct {
	reports   ports.ReportStore
	storage   ports.ObjectStorage
	encryptor ports.Encryptor
	queue     ports.ReviewEventQueue
	now       func() time.Time
}

// NewReceiptIngestUseCase accepts a nil encryptor to store receipts as uploaded.
func NewReceiptIngestUseCase(
	reports ports.ReportStore,
	storage ports.ObjectStorage,
	encryptor ports.Encryptor,
	queue ports.ReviewEventQueue,
) *ReceiptIngestUseCase {
	return &ReceiptIngestUseCase{
		reports:   reports,
		storage:   storage,
		encryptor: encryptor,
		queue:     queue,
		now:       time.Now,
	}
}

func (uc *ReceiptIngestUseCase) Upload(ctx context.Context, req domain.UploadRequest) (*domain.Receipt, error) {
	if err := validateUpload(&req); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload receipt", err)
	}
	report, err := uc.reports.GetReport(ctx, req.ReportID)
	if err != nil {
		return nil, err
	}
	if report.Status == domain.ReportApproved {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload receipt", errors.New("report is already approved"))
	}
	if err := checkReceiptLinks(report, req); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload receipt", err)
	}

	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s/%s_%s", sanitizeFilename(req.ReportID), id, sanitizeFilename(req.Filename))
	now := uc.now().UTC()

	if err := uc.storage.Save(ctx, storageKey, req.Body); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}
	encrypted := false
	if uc.encryptor != nil {
		if err := uc.encryptor.Encrypt(ctx, storageKey); err != nil {
			return nil, fmt.Errorf("encrypt receipt at rest: %w", err)
		}
		encrypted = true
	}

	receipt := &domain.Receipt{
		ID:          id,
		ReportID:    req.ReportID,
		EntryID:     req.EntryID,
		Kind:        req.Kind,
		ProofFor:    req.ProofFor,
		Filename:    filepath.Base(req.Filename),
		StoragePath: storageKey,
		Encrypted:   encrypted,
		UploadedAt:  now,
	}
	if err := uc.reports.CreateReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("create receipt metadata: %w", err)
	}

	event := domain.ReviewEvent{Type: domain.ReviewEventUpload, ReportID: req.ReportID, ReceiptID: id, CreatedAt: now}
	if err := uc.queue.PublishReviewEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("publish upload event: %w", err)
	}
	return receipt, nil
}

func validateUpload(req *domain.UploadRequest) error {
	req.ReportID = strings.TrimSpace(req.ReportID)
	if req.ReportID == "" {
		return errors.New("report id is required")
	}
	if req.Body == nil {
		return errors.New("file is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return errors.New("filename is required")
	}
	mime := strings.ToLower(strings.TrimSpace(strings.Split(req.MimeType, ";")[0]))
	if !allowedReceiptMimeTypes[mime] {
		return fmt.Errorf("unsupported content type %q", req.MimeType)
	}
	switch req.Kind {
	case "":
		req.Kind = domain.ReceiptExpense
	case domain.ReceiptExpense, domain.ReceiptExchangeProof:
	default:
		return fmt.Errorf("unknown receipt kind %q", req.Kind)
	}
	if req.Kind == domain.ReceiptExchangeProof && strings.TrimSpace(req.ProofFor) == "" {
		return errors.New("exchange proofs must name the receipt they prove")
	}
	if req.Kind == domain.ReceiptExpense {
		req.ProofFor = ""
	}
	return nil
}

func checkReceiptLinks(report *domain.Report, req domain.UploadRequest) error {
	if req.EntryID != "" {
		found := false
		for _, entry := range report.Entries {
			if entry.ID == req.EntryID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("entry %s is not part of report %s", req.EntryID, report.ID)
		}
	}
	if req.ProofFor != "" {
		for _, receipt := range report.Receipts {
			if receipt.ID == req.ProofFor {
				return nil
			}
		}
		return fmt.Errorf("receipt %s is not part of report %s", req.ProofFor, report.ID)
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || strings.Trim(base, ".") == "" {
		return "receipt.bin"
	}
	return base
}
