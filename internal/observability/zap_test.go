package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrapZapForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := WrapZap(zap.New(core))

	logger.Debug("debug line", Field{Key: "stage", Value: "triage"})
	logger.Info("info line", Field{Key: "count", Value: 3})
	logger.Warn("warn line")
	logger.Error("error line", Field{Key: "error", Value: errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "triage", entries[0].ContextMap()["stage"])
	require.Equal(t, int64(3), entries[1].ContextMap()["count"])
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	require.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger("chatty", false)
	require.Error(t, err)

	logger, err := NewZapLogger("", false)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestWrapZapNilFallsBackToNoop(t *testing.T) {
	logger := WrapZap(nil)
	logger.Info("ignored")
	require.NoError(t, Sync(logger))
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	previous := Log()
	t.Cleanup(func() { SetLogger(previous) })

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(WrapZap(zap.New(core)))
	Log().Info("captured")
	require.Equal(t, 1, logs.Len())

	SetLogger(nil)
	Log().Info("dropped")
	require.Equal(t, 1, logs.Len())
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	previous := Log()
	t.Cleanup(func() { SetLogger(previous) })
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(WrapZap(zap.New(core)))

	require.NoError(t, AggregateErrors("shutdown", []error{nil, nil}))
	require.Equal(t, 0, logs.Len())

	err := AggregateErrors("shutdown", []error{nil, errors.New("server"), errors.New("telemetry")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "shutdown failed")
	require.Contains(t, err.Error(), "server")
	require.Contains(t, err.Error(), "telemetry")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, int64(2), logs.All()[0].ContextMap()["failed_steps"])
}
