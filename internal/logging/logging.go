package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config selects handler format, level and an optional audit file.
type Config struct {
	Level     string
	Format    string
	AuditPath string
}

// Loggers bundles the application logger with the audit logger used for
// guard decisions. Audit shares the main handler unless AuditPath is set.
type Loggers struct {
	Logger *slog.Logger
	Audit  *slog.Logger

	closers []io.Closer
}

// New builds loggers writing to w (stderr when nil).
func New(cfg Config, w io.Writer) (*Loggers, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	l := &Loggers{Logger: slog.New(buildHandler(cfg.Format, w, opts))}
	l.Audit = l.Logger
	if cfg.AuditPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log %s: %w", cfg.AuditPath, err)
		}
		l.closers = append(l.closers, f)
		l.Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return l, nil
}

// Discard returns loggers that drop everything; components fall back to it
// when constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func (l *Loggers) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}

func buildHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
