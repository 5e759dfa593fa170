// Package pdftext extracts the text layer of PDF receipts.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

var ErrNotPDF = errors.New("pdftext: not a pdf document")

type Extractor struct {
	maxBytes int64
}

func NewExtractor() *Extractor {
	return &Extractor{maxBytes: 4 << 20}
}

func (e *Extractor) Name() string {
	return "pdftext"
}

func (e *Extractor) Extract(ctx context.Context, raw []byte) (text string, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("%PDF")) {
		return "", ErrNotPDF
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("pdftext: parser panic: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("pdftext: open: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdftext: read text: %w", err)
	}
	out, err := io.ReadAll(io.LimitReader(plain, e.maxBytes))
	if err != nil {
		return "", fmt.Errorf("pdftext: read text: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
