package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })
	return logs
}

func TestL_ContextFields(t *testing.T) {
	logs := observe(t)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithEvent(ctx, "evt_123", "payment_intent.succeeded")
	Info(ctx, "handled")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "evt_123", fields["event_id"])
	assert.Equal(t, "payment_intent.succeeded", fields["event_type"])
	assert.NotContains(t, fields, "trace_id")
}

func TestNewError_LogsAndReturns(t *testing.T) {
	logs := observe(t)

	cause := errors.New("boom")
	err := NewError(context.Background(), cause, "store failed", zap.String("op", "insert_event"))

	assert.Same(t, cause, err)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "store failed", entry.Message)
	assert.Equal(t, "insert_event", entry.ContextMap()["op"])
	assert.Equal(t, "boom", entry.ContextMap()["error"])

	assert.NoError(t, NewError(context.Background(), nil, "ignored"))
	assert.Equal(t, 1, logs.Len())
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "abc", RequestID(WithRequestID(context.Background(), "abc")))
}

func TestNewProduction_UnknownLevel(t *testing.T) {
	logger, err := NewProduction("chatty")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}
