// Package pdfstream recovers text from PDF content streams when the
// structured parser cannot read the document, e.g. receipts with broken
// cross-reference tables written by point-of-sale printers.
package pdfstream

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
	"strings"
)

var (
	ErrNotPDF = errors.New("pdfstream: not a pdf document")

	streamPattern = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\n?endstream`)
)

const maxInflated = 8 << 20

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Name() string {
	return "pdfstream"
}

func (e *Extractor) Extract(ctx context.Context, raw []byte) (string, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(raw, " \t\r\n"), []byte("%PDF")) {
		return "", ErrNotPDF
	}

	var out strings.Builder
	for _, match := range streamPattern.FindAllSubmatch(raw, -1) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		content := inflate(match[1])
		text := textFromContent(content)
		if text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(text)
	}
	return strings.TrimSpace(out.String()), nil
}

// inflate returns the Flate-decoded stream, or the raw bytes when the stream
// is not zlib-compressed.
func inflate(data []byte) []byte {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer zr.Close()
	decoded, err := io.ReadAll(io.LimitReader(zr, maxInflated))
	if err != nil && len(decoded) == 0 {
		return data
	}
	return decoded
}

// textFromContent interprets the text-showing operators of a content stream.
func textFromContent(content []byte) string {
	var (
		lines   []string
		line    strings.Builder
		pending []string
	)
	newline := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}
	show := func() {
		for _, s := range pending {
			line.WriteString(s)
		}
		pending = pending[:0]
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '(':
			s, next := readLiteral(content, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] == '<':
			i += 2
		case c == '<':
			s, next := readHex(content, i)
			pending = append(pending, s)
			i = next
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '\'' || c == '"':
			newline()
			show()
			i++
		case isRegular(c):
			start := i
			for i < len(content) && isRegular(content[i]) {
				i++
			}
			switch string(content[start:i]) {
			case "Tj", "TJ":
				show()
			case "Td", "TD", "T*", "ET":
				show()
				newline()
			default:
				if num := content[start]; (num < '0' || num > '9') && num != '-' && num != '.' {
					pending = pending[:0]
				}
			}
		default:
			i++
		}
	}
	show()
	newline()
	return strings.Join(lines, "\n")
}

func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%', '\'', '"':
		return false
	}
	return true
}

func readLiteral(content []byte, start int) (string, int) {
	var out []byte
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch c {
		case '\\':
			i++
			if i >= len(content) {
				return string(out), i
			}
			esc := content[i]
			switch esc {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
			default:
				if esc >= '0' && esc <= '7' {
					val := 0
					n := 0
					for n < 3 && i < len(content) && content[i] >= '0' && content[i] <= '7' {
						val = val*8 + int(content[i]-'0')
						i++
						n++
					}
					out = append(out, decodeByte(byte(val))...)
					continue
				}
				out = append(out, esc)
			}
			i++
		case '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
			i++
		case ')':
			depth--
			i++
			if depth == 0 {
				return string(out), i
			}
			out = append(out, c)
		default:
			out = append(out, decodeByte(c)...)
			i++
		}
	}
	return string(out), i
}

func readHex(content []byte, start int) (string, int) {
	end := bytes.IndexByte(content[start:], '>')
	if end < 0 {
		return "", len(content)
	}
	digits := strings.Map(func(r rune) rune {
		if strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return r
		}
		return -1
	}, string(content[start+1:start+end]))
	if len(digits)%2 == 1 {
		digits += "0"
	}
	raw, err := hex.DecodeString(digits)
	if err != nil {
		return "", start + end + 1
	}
	var out []byte
	for _, b := range raw {
		out = append(out, decodeByte(b)...)
	}
	return string(out), start + end + 1
}

// decodeByte maps a single-byte (WinAnsi/Latin-1) code to UTF-8.
func decodeByte(b byte) []byte {
	if b < 0x80 {
		return []byte{b}
	}
	if b == 0x80 {
		return []byte("€")
	}
	return []byte(string(rune(b)))
}
