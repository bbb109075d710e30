package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/statekeeper/internal/config"
)

func sampledLogger(levels map[zapcore.Level]LevelSamplingConfig) (*zap.Logger, *observer.ObservedLogs) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  levels,
	})
	return zap.New(sampled), observed
}

func TestSampling_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)
	assert.Equal(t, core, newSampledCore(core, SamplingConfig{Enabled: false}))
}

func TestSampling_PerLevelBudgets(t *testing.T) {
	logger, observed := sampledLogger(DefaultLevelSamplingConfig())

	for i := 0; i < 50; i++ {
		logger.Debug("debug flood")
		logger.Info("info flood")
	}

	// Debug keeps its first 10; Info keeps all 50 within its first 100.
	assert.Equal(t, 10, observed.FilterMessage("debug flood").Len())
	assert.Equal(t, 50, observed.FilterMessage("info flood").Len())
}

func TestSampling_InfoThereafter(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.InfoLevel: {Initial: 2, Thereafter: 3},
	})

	for i := 0; i < 8; i++ {
		logger.Info("tick")
	}
	// Entries 1, 2, then every third after the initial two: 5 and 8.
	assert.Equal(t, 4, observed.FilterMessage("tick").Len())
}

func TestSampling_ErrorsNeverSampled(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{
		zapcore.InfoLevel: {Initial: 1, Thereafter: 0},
	})

	for i := 0; i < 20; i++ {
		logger.Error("save failed")
	}
	assert.Equal(t, 20, observed.FilterMessage("save failed").Len())
}

func TestSampling_UnconfiguredLevelPassesThrough(t *testing.T) {
	logger, observed := sampledLogger(map[zapcore.Level]LevelSamplingConfig{})

	for i := 0; i < 20; i++ {
		logger.Warn("slow save")
	}
	assert.Equal(t, 20, observed.FilterMessage("slow save").Len())
}

func TestLevelFilterCore_With(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	filtered := &levelFilterCore{Core: core, minLevel: zapcore.WarnLevel, hasMin: true}

	logger := zap.New(filtered.With([]zapcore.Field{zap.String("component", "scheduler")}))
	logger.Info("dropped")
	logger.Warn("kept")

	logs := observed.All()
	assert.Len(t, logs, 1)
	assert.Equal(t, "scheduler", logs[0].ContextMap()["component"])
}
