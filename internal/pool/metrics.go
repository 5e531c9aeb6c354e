package pool

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/agentpool/internal/cloud"
)

// metrics groups the instruments of one image.  Any instrument may be
// nil when the meter refused to create it.
type metrics struct {
	image attribute.KeyValue

	started       metric.Int64Counter
	startDuration metric.Float64Histogram
	rejections    metric.Int64Counter
	failures      metric.Int64Counter
	compensations metric.Int64Counter
	transitions   metric.Int64Counter
}

func newMetrics(img *Image) *metrics {
	meter := otel.Meter("agentpool/pool")
	logger := img.logger
	m := &metrics{image: attribute.String("image", img.details.Name)}

	var err error
	m.started, err = meter.Int64Counter(
		"agentpool.instances.started",
		metric.WithDescription("Instances whose create or start call succeeded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create started counter", slog.String("error", err.Error()))
	}

	m.startDuration, err = meter.Float64Histogram(
		"agentpool.instance.start.duration",
		metric.WithDescription("Time for a create or start call to complete (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create startDuration histogram", slog.String("error", err.Error()))
	}

	m.rejections, err = meter.Int64Counter(
		"agentpool.capacity.rejections",
		metric.WithDescription("Start requests rejected because the image was at capacity"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create rejections counter", slog.String("error", err.Error()))
	}

	m.failures, err = meter.Int64Counter(
		"agentpool.operations.failed",
		metric.WithDescription("Provider operations that completed with an error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create failures counter", slog.String("error", err.Error()))
	}

	m.compensations, err = meter.Int64Counter(
		"agentpool.compensations",
		metric.WithDescription("Compensating deletes issued after a failed create"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create compensations counter", slog.String("error", err.Error()))
	}

	m.transitions, err = meter.Int64Counter(
		"agentpool.instance.transitions",
		metric.WithDescription("Instance status transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create transitions counter", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"agentpool.instances",
		metric.WithDescription("Current number of tracked instances by status"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := make(map[cloud.InstanceStatus]int64)
			for _, inst := range img.Instances() {
				counts[inst.Status()]++
			}
			for status, n := range counts {
				o.Observe(n, metric.WithAttributes(m.image, attribute.String("status", status.String())))
			}
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create instances gauge", slog.String("error", err.Error()))
	}

	return m
}

func (m *metrics) startedOK(ctx context.Context, path string, since time.Time) {
	attrs := metric.WithAttributes(m.image, attribute.String("path", path))
	if m.started != nil {
		m.started.Add(ctx, 1, attrs)
	}
	if m.startDuration != nil {
		m.startDuration.Record(ctx, time.Since(since).Seconds(), attrs)
	}
}

func (m *metrics) rejected(ctx context.Context) {
	if m.rejections != nil {
		m.rejections.Add(ctx, 1, metric.WithAttributes(m.image))
	}
}

func (m *metrics) failed(ctx context.Context, op string) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(m.image, attribute.String("operation", op)))
	}
}

func (m *metrics) compensated(ctx context.Context, ok bool) {
	result := "deleted"
	if !ok {
		result = "failed"
	}
	if m.compensations != nil {
		m.compensations.Add(ctx, 1, metric.WithAttributes(m.image, attribute.String("result", result)))
	}
}

func (m *metrics) transition(ctx context.Context, from, to cloud.InstanceStatus) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			m.image,
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
}
