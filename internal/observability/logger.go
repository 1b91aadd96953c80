// Package observability defines shared logging primitives and the zap backend
// used by the stagefeed binaries.
package observability

import "sync/atomic"

// Logger is the structured logger threaded through the bus, stream sessions,
// the HTTP surface and the stream client.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is a structured key/value pair.
type Field struct {
	Key   string
	Value any
}

type loggerHolder struct{ Logger }

var defaultLogger atomic.Pointer[loggerHolder]

func init() {
	defaultLogger.Store(&loggerHolder{noopLogger{}})
}

// SetLogger replaces the process-wide logger. Nil restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerHolder{logger})
}

// Log returns the process-wide logger.
func Log() Logger {
	return defaultLogger.Load().Logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
