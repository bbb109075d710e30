package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap/zapcore"
)

func TestNewDualCore_StdoutOnly(t *testing.T) {
	cfg := NewDefaultConfig()

	core, err := newDualCore(cfg, nil, nil)
	require.NoError(t, err)
	assert.True(t, core.Enabled(zapcore.InfoLevel))
	assert.False(t, core.Enabled(zapcore.DebugLevel))
}

func TestNewDualCore_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = true

	// A missing provider falls back to stdout only.
	core, err := newDualCore(cfg, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, core)
}

func TestNewDualCore_OTELOnly(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true
	cfg.Level = zapcore.WarnLevel

	core, err := newDualCore(cfg, noop.NewLoggerProvider(), nil)
	require.NoError(t, err)
	assert.False(t, core.Enabled(zapcore.InfoLevel), "bridge must honour the configured level")

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() { logger.Warn(context.Background(), "bridged") })
}

func TestNewDualCore_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.OTEL = true
	cfg.Output.Stdout = false

	_, err := newDualCore(cfg, nil, nil)
	assert.ErrorContains(t, err, "at least one output")
}
