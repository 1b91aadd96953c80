package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	base *zap.Logger
}

// NewZapLogger builds a Logger backed by zap. Level accepts debug, info, warn
// or error; an empty level means info.
func NewZapLogger(level string, development bool) (Logger, error) {
	lvl := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(trimmed))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return WrapZap(base), nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(base *zap.Logger) Logger {
	if base == nil {
		return noopLogger{}
	}
	return zapLogger{base: base}
}

// Sync flushes buffered entries when logger is zap-backed.
func Sync(logger Logger) error {
	if zl, ok := logger.(zapLogger); ok {
		return zl.base.Sync()
	}
	return nil
}

func (l zapLogger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, zapFields(fields)...)
}

func (l zapLogger) Info(msg string, fields ...Field) {
	l.base.Info(msg, zapFields(fields)...)
}

func (l zapLogger) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, zapFields(fields)...)
}

func (l zapLogger) Error(msg string, fields ...Field) {
	l.base.Error(msg, zapFields(fields)...)
}

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
