package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Options controls the global logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json (default) or text
	File   string // append to this file instead of stdout
}

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
// The returned closer releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	var (
		closer io.Closer = nopCloser{}
		err    error
	)
	once.Do(func() {
		var w io.Writer = os.Stdout
		if opts.File != "" {
			if mkErr := os.MkdirAll(filepath.Dir(opts.File), 0o755); mkErr != nil {
				err = fmt.Errorf("create log directory: %w", mkErr)
				return
			}
			f, openErr := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if openErr != nil {
				err = fmt.Errorf("open log file: %w", openErr)
				return
			}
			w = f
			closer = f
		}
		logger = New(w, opts.Level, opts.Format)
		slog.SetDefault(logger)
	})
	return closer, err
}

// New builds a logger writing to w without touching the global one.
func New(w io.Writer, level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		_, _ = Setup(Options{Level: "INFO"})
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithRun returns a logger with the run_id field set.
func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// WithJob returns a logger with the job_id field set.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
