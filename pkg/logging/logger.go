package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with application-specific functionality
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the specified level
func New(level string) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter creates a JSON logger that writes to w.
func NewWithWriter(level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: maskAddresses,
	}
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, opts))}
}

// addressKeys name attributes that carry a recipient phone number.
var addressKeys = map[string]bool{
	"to":                  true,
	"from":                true,
	"destination_address": true,
	"phone":               true,
}

// maskAddresses keeps only the last four characters of phone-number
// attributes so log lines do not carry full recipient numbers.
func maskAddresses(_ []string, a slog.Attr) slog.Attr {
	if !addressKeys[a.Key] || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, MaskAddress(a.Value.String()))
}

// MaskAddress replaces all but the last four characters of addr with '*'.
// Email addresses are left alone.
func MaskAddress(addr string) string {
	if strings.Contains(addr, "@") || len(addr) <= 4 {
		return addr
	}
	return strings.Repeat("*", len(addr)-4) + addr[len(addr)-4:]
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return Default().With(args...)
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a logger with default settings
func Default() *Logger {
	return New("info")
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}
