package plaintext

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

var ErrBinary = errors.New("plaintext: binary content")

// Extractor accepts UTF-8 text receipts such as e-mail confirmations.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string {
	return "plaintext"
}

func (e *Extractor) Extract(_ context.Context, raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if bytes.HasPrefix(raw, []byte("%PDF")) || bytes.IndexByte(raw, 0) >= 0 || !utf8.Valid(raw) {
		return "", ErrBinary
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return strings.TrimSpace(text), nil
}
