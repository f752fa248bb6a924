package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_RejectsInvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)

	cfg = NewDefaultConfig()
	cfg.Output.Stdout = false
	_, err = NewLogger(cfg, nil)
	require.Error(t, err, "otel-only output without a provider has nowhere to write")
}

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithTabScope(context.Background(), "tab-7")
	ctx = WithSignalID(ctx, "sig-1")
	ctx = WithRequestID(ctx, "req-9")
	tl.Info(ctx, "signal accepted", zap.String("kind", "network"))

	tl.AssertLogged(t, zapcore.InfoLevel, "signal accepted")
	tl.AssertField(t, "signal accepted", "tab_scope", "tab-7")
	tl.AssertField(t, "signal accepted", "signal_id", "sig-1")
	tl.AssertField(t, "signal accepted", "request_id", "req-9")
	tl.AssertField(t, "signal accepted", "kind", "network")
}

func TestLogger_TraceLevel(t *testing.T) {
	tl := NewTestLogger()
	tl.Trace(context.Background(), "relay frame")
	tl.AssertLogged(t, TraceLevel, "relay frame")

	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestWithTabScope_Clipped(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	ctx := WithTabScope(context.Background(), string(long))
	assert.Len(t, TabScopeFromContext(ctx), maxIDLen)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}
