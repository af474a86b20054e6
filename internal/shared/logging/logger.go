package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	With(args ...any) Logger
}

type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLoggerTo writes to w using a "json" or "text" handler.
func NewSlogLoggerTo(w io.Writer, level slog.Level, format string) Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{log: slog.New(handler)}
}

func (sl *SlogLogger) Debug(msg string, args ...any) {
	sl.log.Debug(msg, args...)
}

func (sl *SlogLogger) Info(msg string, args ...any) {
	sl.log.Info(msg, args...)
}

func (sl *SlogLogger) Warn(msg string, args ...any) {
	sl.log.Warn(msg, args...)
}

func (sl *SlogLogger) Error(msg string, args ...any) {
	sl.log.Error(msg, args...)
}

func (sl *SlogLogger) Fatal(msg string, args ...any) {
	sl.log.Error(msg, args...)
	os.Exit(1)
}

func (sl *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{log: sl.log.With(args...)}
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// New builds a logger for the configured backend ("slog" or "zap").
func New(backend, level, format string) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch backend {
	case "", "slog":
		return NewSlogLoggerTo(os.Stdout, lvl, format), nil
	case "zap":
		return NewZapLogger(lvl, format)
	default:
		return nil, fmt.Errorf("unknown logging backend %q", backend)
	}
}

// Nop discards everything.
func Nop() Logger {
	return NewSlogLoggerTo(io.Discard, slog.LevelError+1, "text")
}
