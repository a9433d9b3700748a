// Package logger provides structured logging for feedr.
// It uses Go's slog package with configurable level and format; records at
// warning level and above go to stderr, everything else to stdout.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// NewLogger creates a slog Logger writing to stdout and stderr.
func NewLogger(levelStr, format string) *slog.Logger {
	return New(levelStr, format, os.Stdout, os.Stderr)
}

// New creates a slog Logger writing records below warning level to out and the rest to diag.
func New(levelStr, format string, out, diag io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(levelStr)}

	return slog.New(&splitHandler{
		out:  newHandler(format, out, opts),
		diag: newHandler(format, diag, opts),
	})
}

// ParseLevel maps a configured level name to a slog.Level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// splitHandler routes records by level to one of two handlers.
type splitHandler struct {
	out  slog.Handler
	diag slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pick(level).Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.pick(r.Level).Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), diag: h.diag.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), diag: h.diag.WithGroup(name)}
}

func (h *splitHandler) pick(level slog.Level) slog.Handler {
	if level >= slog.LevelWarn {
		return h.diag
	}
	return h.out
}
