// Package logger provides a levelled logger backed by log/slog with optional
// rotating file output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO, WARN and ERROR messages.
	LevelInfo
	// LevelWarn emits WARN and ERROR messages.
	LevelWarn
	// LevelError emits only ERROR messages.
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level. Unknown
// names yield LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Options selects where log lines go.
type Options struct {
	Level      Level
	File       string // empty means stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Writer     io.Writer // overrides File; used by tests
}

// Logger is a levelled logger. Child loggers created with With share the
// level and the output of their parent.
type Logger struct {
	slog   *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New creates a Logger that writes text lines to stderr at the given level.
func New(level Level) *Logger {
	l, _ := NewWithOptions(Options{Level: level, Writer: os.Stderr})
	return l
}

// NewWithOptions creates a Logger from opts. When opts.File is set the file
// is rotated by lumberjack and Close must be called on shutdown.
func NewWithOptions(opts Options) (*Logger, error) {
	lv := new(slog.LevelVar)
	lv.Set(opts.Level.slog())

	var (
		w      = opts.Writer
		closer io.Closer
	)
	if w == nil && opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("logger: create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
			LocalTime:  true,
		}
		w, closer = lj, lj
	}
	if w == nil {
		w = os.Stderr
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{slog: slog.New(h), level: lv, closer: closer}, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelError + 1)
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: lv})), level: lv}
}

// SetLevel changes the minimum level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.slog())
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l.slog.Enabled(context.Background(), level.slog())
}

// With returns a child logger that adds the given key/value pairs to every
// line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level}
}

// Slog exposes the underlying *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Debug logs msg with optional key/value pairs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs msg with optional key/value pairs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs msg with optional key/value pairs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs msg with optional key/value pairs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.slog.Debug(fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...any) {
	if l.Enabled(LevelInfo) {
		l.slog.Info(fmt.Sprintf(format, args...))
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...any) {
	l.slog.Error(fmt.Sprintf(format, args...))
}
