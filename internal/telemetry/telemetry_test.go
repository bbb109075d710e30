package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// restoreGlobals puts the global providers back after a test that
// installs real ones.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.NotNil(t, tel.Tracer("test"), "falls back to the global tracer")
	assert.NotNil(t, tel.Meter("test"), "falls back to the global meter")
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestNew_EnabledWithOverrides(t *testing.T) {
	restoreGlobals(t)
	core, observed := observer.New(zapcore.InfoLevel)

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	tel, err := New(context.Background(), cfg, zap.New(core),
		WithTraceExporter(exporter),
		WithMetricReader(reader),
	)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)
	assert.Equal(t, 1, observed.FilterMessage("telemetry enabled").Len())

	// Services resolve tracers from the global provider.
	_, span := otel.Tracer("statekeeper-test").Start(context.Background(), "persistence.Save")
	span.SetAttributes(attribute.String("path", "state.json"))
	span.End()

	counter, err := otel.Meter("statekeeper-test").Int64Counter("statekeeper.test_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, tel.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "persistence.Save", spans[0].Name)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.False(t, tel.IsEnabled())
	assert.Nil(t, tel.LoggerProvider())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
	tel.SetLoggerProvider(nil)
}

func TestTelemetry_SetDegraded(t *testing.T) {
	core, observed := observer.New(zapcore.WarnLevel)
	tel := &Telemetry{config: NewDefaultConfig(), logger: zap.New(core)}
	tel.healthy.Store(true)

	tel.setDegraded("exporter failed: %v", "connection refused")

	assert.True(t, tel.Health().Degraded)
	logs := observed.FilterMessage("telemetry degraded").All()
	require.Len(t, logs, 1)
	assert.Equal(t, "exporter failed: connection refused", logs[0].ContextMap()["reason"])
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	defer func() { _ = tt.Shutdown(context.Background()) }()

	tracer := tt.Tracer("test")
	_, first := tracer.Start(context.Background(), "learning.RecordAttempt")
	first.SetAttributes(
		attribute.String("issue_type", "powershell_syntax_error"),
		attribute.Int64("time_spent_ms", 300000),
		attribute.Bool("success", true),
		attribute.Float64("rate", 1.0),
	)
	first.End()
	_, second := tracer.Start(context.Background(), "advisor.Query")
	second.End()

	assert.Len(t, tt.Spans(), 2)
	assert.Nil(t, tt.SpanByName("missing"))
	assert.Equal(t, []string{"learning.RecordAttempt", "advisor.Query"}, tt.spanNames())

	tt.AssertSpanExists(t, "advisor.Query")
	tt.AssertSpanAttribute(t, "learning.RecordAttempt", "issue_type", "powershell_syntax_error")
	tt.AssertSpanAttribute(t, "learning.RecordAttempt", "time_spent_ms", int64(300000))
	tt.AssertSpanAttribute(t, "learning.RecordAttempt", "success", true)
	tt.AssertSpanAttribute(t, "learning.RecordAttempt", "rate", 1.0)
}

func TestTestTelemetry_CounterValue(t *testing.T) {
	tt := NewTestTelemetry()
	defer func() { _ = tt.Shutdown(context.Background()) }()

	_, ok := tt.CounterValue(t, "statekeeper.learning.attempts_total")
	assert.False(t, ok)

	counter, err := tt.Meter("test").Int64Counter("statekeeper.learning.attempts_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)
	counter.Add(context.Background(), 1)

	got, ok := tt.CounterValue(t, "statekeeper.learning.attempts_total")
	require.True(t, ok)
	assert.Equal(t, int64(3), got)
}

func TestTestTelemetry_Install(t *testing.T) {
	before := otel.GetTracerProvider()

	t.Run("installed", func(t *testing.T) {
		tt := NewTestTelemetry()
		tt.Install(t)

		_, span := otel.Tracer("installed").Start(context.Background(), "learning.Rebuild")
		span.End()
		tt.AssertSpanExists(t, "learning.Rebuild")
	})

	assert.Equal(t, before, otel.GetTracerProvider(), "Install restores the previous provider")
}
