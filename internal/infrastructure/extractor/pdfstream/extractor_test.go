package pdfstream

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"strings"
	"testing"
)

func buildPDF(t *testing.T, content string, compress bool) []byte {
	t.Helper()
	body := []byte(content)
	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			t.Fatalf("compress: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("compress close: %v", err)
		}
		body = buf.Bytes()
	}

	var pdf bytes.Buffer
	pdf.WriteString("%PDF-1.4\n4 0 obj\n<< /Length 0 /Filter /FlateDecode >>\nstream\n")
	pdf.Write(body)
	pdf.WriteString("\nendstream\nendobj\n%%EOF\n")
	return pdf.Bytes()
}

const receiptContent = `BT
/F1 12 Tf
72 720 Td
(Hotel Adler) Tj
0 -14 Td
[(Gesamt ) -250 (120,50 EUR)] TJ
T*
(Rechnung Nr. 4711 \(Kopie\)) Tj
ET`

func TestExtractReadsFlateStreams(t *testing.T) {
	got, err := NewExtractor().Extract(context.Background(), buildPDF(t, receiptContent, true))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := "Hotel Adler\nGesamt 120,50 EUR\nRechnung Nr. 4711 (Kopie)"
	if got != want {
		t.Fatalf("unexpected text:\n%q\nwant\n%q", got, want)
	}
}

func TestExtractReadsUncompressedStreams(t *testing.T) {
	got, err := NewExtractor().Extract(context.Background(), buildPDF(t, "BT (Parkhaus Mitte) Tj ET", false))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != "Parkhaus Mitte" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestExtractDecodesHexAndOctal(t *testing.T) {
	got, err := NewExtractor().Extract(context.Background(), buildPDF(t, `BT <4D61> Tj (\374ber) Tj ET`, false))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(got, "Ma") || !strings.Contains(got, "über") {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestExtractRejectsNonPDF(t *testing.T) {
	if _, err := NewExtractor().Extract(context.Background(), []byte("plain")); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}
