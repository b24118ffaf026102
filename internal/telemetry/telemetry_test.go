package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestDisabledProviderDefersToGlobal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"

	provider, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.Equal(t, otel.GetMeterProvider(), provider.MeterProvider())
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "staging", Environment())

	SetEnvironment("")
	require.Equal(t, "development", Environment())
}

func TestNilProviderIsSafe(t *testing.T) {
	var provider *Provider
	require.False(t, provider.Enabled())
	require.NoError(t, provider.Shutdown(context.Background()))
	require.NotNil(t, provider.MeterProvider())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := StreamAttributes("prod", StreamReplay)
	require.Len(t, attrs, 2)
	require.Equal(t, AttrStream, attrs[1].Key)
	require.Equal(t, "replay", attrs[1].Value.AsString())

	failure := FailureAttributes("prod", "printer", "subscriber_failure")
	require.Equal(t, "printer", failure[1].Value.AsString())
	require.Len(t, HistogramViews(), 2)
}
