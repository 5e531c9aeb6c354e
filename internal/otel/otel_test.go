package otel

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

func TestSetup_NothingEnabledIsNoop(t *testing.T) {
	before := otel.GetMeterProvider()

	shutdown, err := Setup(context.Background(), "agentpool-test", Config{})
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetMeterProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSemconvMatchesSDKSchema(t *testing.T) {
	assert.Equal(t, resource.Default().SchemaURL(), semconv.SchemaURL)
}

func TestSetup_PrometheusExportsMeters(t *testing.T) {
	shutdown, err := Setup(context.Background(), "agentpool-test", Config{Prometheus: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("agentpool/test").Int64Counter("agentpool.test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "agentpool_test_calls_total")
}
