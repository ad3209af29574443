// Package logging configures structured logging for the session runtime
// using log/slog, grounded on the teacher's internal/logging package.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Setup initializes the default slog logger from environment variables:
//
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: text when stderr is a terminal, json otherwise)
//
// It also bridges the standard library "log" package so third-party
// libraries using log.Printf are captured in structured format.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters (useful for testing).
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
		if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
			handler = slog.NewJSONHandler(w, opts)
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
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

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
