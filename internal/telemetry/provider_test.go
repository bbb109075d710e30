package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()

	res, err := newResource(cfg)
	require.NoError(t, err)

	var foundServiceName bool
	for _, attr := range res.Attributes() {
		if string(attr.Key) == "service.name" {
			assert.Equal(t, cfg.ServiceName, attr.Value.AsString())
			foundServiceName = true
		}
	}
	assert.True(t, foundServiceName, "service.name attribute not found")
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}

func TestProviderOptions(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	var o providerOptions
	WithTraceExporter(exporter)(&o)
	WithMetricReader(reader)(&o)
	assert.Equal(t, trace.SpanExporter(exporter), o.spanExporter)
	assert.Equal(t, sdkmetric.Reader(reader), o.metricReader)

	cfg := NewDefaultConfig()
	res, err := newResource(cfg)
	require.NoError(t, err)

	tp, err := newTracerProvider(context.Background(), cfg, res, &o)
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	mp, err := newMeterProvider(context.Background(), cfg, res, &o)
	require.NoError(t, err)
	require.NotNil(t, mp)
	defer func() { _ = mp.Shutdown(context.Background()) }()

	cfg.Metrics.Enabled = false
	none, err := newMeterProvider(context.Background(), cfg, res, &o)
	require.NoError(t, err)
	assert.Nil(t, none)
}
