package buffer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/baldanca/sqs-ingestor/buffer"

type metricsRecorder struct {
	recordsWritten metric.Int64Counter
	flushFailures  metric.Int64Counter
}

func newMetricsRecorder(mp metric.MeterProvider) (*metricsRecorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	recordsWritten, err := meter.Int64Counter(
		"buffer.records.written",
		metric.WithDescription("Total number of events written to the sink"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	flushFailures, err := meter.Int64Counter(
		"buffer.flush.failures",
		metric.WithDescription("Total number of batches that could not be written to the sink"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsRecorder{
		recordsWritten: recordsWritten,
		flushFailures:  flushFailures,
	}, nil
}

func (m *metricsRecorder) recordWritten(ctx context.Context, sink string, n int) {
	m.recordsWritten.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *metricsRecorder) recordFlushFailure(ctx context.Context, sink string) {
	m.flushFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}
