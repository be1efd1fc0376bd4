package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/tokenledger/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(nil, Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewSetsGlobal(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	log, err := New(nil, Config{Level: "debug", Format: "console", Debug: true})
	require.NoError(t, err)
	assert.Same(t, log, zap.L())
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestWithContextAddsRequestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithActor(ctx, "api_key", "chat")
	WithAccount(WithContext(ctx, base), " 42 ").Info("debited")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "chat", fields["actor_id"])
	assert.Equal(t, "42", fields["account_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextNoFields(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
	assert.Nil(t, WithAccount(nil, "1"))
}
