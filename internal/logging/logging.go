// Package logging provides structured logging infrastructure for plx.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/plxctl/plx/internal/config"
)

// NewFromConfig creates a new slog.Logger based on configuration. Logs go to
// w (stderr in the CLI) and, when configured, are also appended to a file.
// The returned closer is nil when no file was opened.
func NewFromConfig(cfg *config.Config, baseDir string, w io.Writer, verbose bool) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)
	if verbose {
		level = slog.LevelDebug
	}

	var closer io.Closer
	if cfg.Logging.File != "" {
		logPath := cfg.LogFile(baseDir)

		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		w = io.MultiWriter(w, file)
	}

	return slog.New(newHandler(cfg.Logging.Format, w, level)), closer, nil
}

// NewDefault creates a default logger writing warnings to stderr.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// newHandler creates a slog.Handler based on format. Text is the default for
// an interactive CLI.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, uuid string) *slog.Logger {
	return logger.With("run", uuid)
}

// WithOp returns a logger with operation context.
func WithOp(logger *slog.Logger, op string) *slog.Logger {
	return logger.With("op", op)
}

// WithExecutor returns a logger with executor context.
func WithExecutor(logger *slog.Logger, kind string) *slog.Logger {
	return logger.With("executor", kind)
}
