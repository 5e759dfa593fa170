package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys that may carry receipt or chat text. Personal data from
// receipts must not reach log storage.
var redactedKeys = map[string]struct{}{
	"content":            {},
	"prompt":             {},
	"raw_text":           {},
	"translated_content": {},
	"message":            {},
}

const redacted = "[redacted]"

func NewJSONLogger(service, level string) *slog.Logger {
	return NewLogger(os.Stdout, service, level)
}

func NewLogger(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler).With("service", service)
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
