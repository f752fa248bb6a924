package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.2.3"

	attrs := map[string]string{}
	for _, kv := range newResource(cfg).Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, cfg.ServiceName, attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
}

func TestNewExporters_BothProtocols(t *testing.T) {
	ctx := context.Background()
	for _, proto := range []string{ProtocolGRPC, ProtocolHTTP} {
		t.Run(proto, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Protocol = proto
			cfg.Endpoint = "127.0.0.1:4318"
			cfg.Insecure = true

			spans, err := newSpanExporter(ctx, cfg)
			require.NoError(t, err)
			assert.NoError(t, spans.Shutdown(ctx))

			metrics, err := newMetricExporter(ctx, cfg)
			require.NoError(t, err)
			assert.Equal(t, metricdata.CumulativeTemporality, metrics.Temporality(metric.InstrumentKindCounter))
			assert.NoError(t, metrics.Shutdown(ctx))
		})
	}
}

func TestNewTracerProvider_Sampling(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		rate    float64
		sampled bool
	}{
		{1.0, true},
		{0, false},
	}
	for _, tt := range tests {
		exp := tracetest.NewInMemoryExporter()
		cfg := NewDefaultConfig()
		cfg.SamplingRate = tt.rate

		tp, err := newTracerProvider(ctx, cfg, newResource(cfg), &options{spanExporter: exp})
		require.NoError(t, err)
		_, span := tp.Tracer("test").Start(ctx, "op")
		span.End()
		require.NoError(t, tp.ForceFlush(ctx))

		assert.Equal(t, tt.sampled, len(exp.GetSpans()) == 1, "rate %v", tt.rate)
		require.NoError(t, tp.Shutdown(ctx))
	}
}

func TestNewMeterProvider_DisabledIsNil(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Metrics.Enabled = false
	mp, err := newMeterProvider(context.Background(), cfg, newResource(cfg), &options{})
	require.NoError(t, err)
	assert.Nil(t, mp)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}
