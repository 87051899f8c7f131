package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/earthring/assetpipe/internal/config"
)

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds a logger for cfg. When OutputPath is set logs are appended to
// that file; if it cannot be opened the logger falls back to stdout. The
// returned closer releases the file and is never nil.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			out, closer = f, f
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", cfg.OutputPath, err)
		}
	}
	return NewWithWriter(cfg, out), closer
}

// NewWithWriter builds a logger for cfg writing to w.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "assetpipe")
}

// Init builds the logger for cfg and installs it as the slog default.
func Init(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	logger, closer := New(cfg)
	slog.SetDefault(logger)
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
