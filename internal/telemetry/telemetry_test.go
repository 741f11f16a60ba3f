package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/opspilot/internal/config"
)

func TestConfigValidate(t *testing.T) {
	t.Run("disabled skips validation", func(t *testing.T) {
		cfg := &Config{Enabled: false}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("defaults are valid once enabled", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects missing endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects insecure remote endpoint", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Endpoint = "collector.example.com:4317"
		cfg.Insecure = true
		assert.ErrorContains(t, cfg.Validate(), "insecure connections")
	})

	t.Run("allows insecure loopback variants", func(t *testing.T) {
		for _, ep := range []string{"localhost:4317", "127.0.0.1:4317", "[::1]:4317"} {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Endpoint = ep
			assert.NoError(t, cfg.Validate(), ep)
		}
	})

	t.Run("rejects bad sampling rate", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Sampling.Rate = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown protocol", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		cfg.Protocol = "thrift"
		assert.Error(t, cfg.Validate())
	})
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Shutdown.Timeout = config.Duration(0)
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestTestTelemetryRecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "remediation.investigate")
	span.End()

	counter, err := tt.Meter("test").Int64Counter("loop.iterations",
		metric.WithDescription("oracle iterations per cycle"))
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NotNil(t, tt.SpanByName("remediation.investigate"))
	assert.Nil(t, tt.SpanByName("missing"))

	rm, err := tt.Metrics(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "loop.iterations", rm.ScopeMetrics[0].Metrics[0].Name)
}
