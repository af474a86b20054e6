package logging

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ZapLogger struct {
	log *zap.SugaredLogger
}

func NewZapLogger(level slog.Level, format string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "text" {
		cfg.Encoding = "console"
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{log: l.Sugar()}, nil
}

func (zl *ZapLogger) Debug(msg string, args ...any) {
	zl.log.Debugw(msg, args...)
}

func (zl *ZapLogger) Info(msg string, args ...any) {
	zl.log.Infow(msg, args...)
}

func (zl *ZapLogger) Warn(msg string, args ...any) {
	zl.log.Warnw(msg, args...)
}

func (zl *ZapLogger) Error(msg string, args ...any) {
	zl.log.Errorw(msg, args...)
}

func (zl *ZapLogger) Fatal(msg string, args ...any) {
	zl.log.Fatalw(msg, args...)
}

func (zl *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{log: zl.log.With(args...)}
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
