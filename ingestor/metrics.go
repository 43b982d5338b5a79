package ingestor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/baldanca/sqs-ingestor/ingestor"

// metricsRecorder holds OTel metric instruments for SQS message consumption.
type metricsRecorder struct {
	messagesReceived   metric.Int64Counter
	messagesDeleted    metric.Int64Counter
	messagesFailed     metric.Int64Counter
	deleteFailures     metric.Int64Counter
	visibilityChanged  metric.Int64Counter
	visibilityFailures metric.Int64Counter
	ackCallbacks       metric.Int64Counter
	messageDelay       metric.Float64Histogram
}

func newMetricsRecorder(mp metric.MeterProvider) (*metricsRecorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &metricsRecorder{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.messagesReceived, "sqs.messages.received", "Total number of SQS messages received", "{message}"},
		{&m.messagesDeleted, "sqs.messages.deleted", "Total number of SQS messages deleted", "{message}"},
		{&m.messagesFailed, "sqs.messages.failed", "Total number of SQS messages that failed processing", "{message}"},
		{&m.deleteFailures, "sqs.messages.delete.failed", "Total number of SQS messages that could not be deleted", "{message}"},
		{&m.visibilityChanged, "sqs.visibility_timeout.changed", "Total number of visibility timeout extensions", "{change}"},
		{&m.visibilityFailures, "sqs.visibility_timeout.change_failed", "Total number of failed visibility timeout extensions", "{change}"},
		{&m.ackCallbacks, "sqs.acknowledgement_set.callbacks", "Total number of acknowledgement set completion callbacks", "{callback}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	delay, err := meter.Float64Histogram(
		"sqs.messages.delay",
		metric.WithDescription("Age of SQS messages when received"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.messageDelay = delay

	return m, nil
}

func queueAttr(queueURL string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue_url", queueURL))
}

func (m *metricsRecorder) recordReceived(ctx context.Context, queueURL string, n int) {
	m.messagesReceived.Add(ctx, int64(n), queueAttr(queueURL))
}

func (m *metricsRecorder) recordDeleted(ctx context.Context, queueURL string, n int) {
	if n > 0 {
		m.messagesDeleted.Add(ctx, int64(n), queueAttr(queueURL))
	}
}

func (m *metricsRecorder) recordFailed(ctx context.Context, queueURL string) {
	m.messagesFailed.Add(ctx, 1, queueAttr(queueURL))
}

func (m *metricsRecorder) recordDeleteFailed(ctx context.Context, queueURL string, n int) {
	if n > 0 {
		m.deleteFailures.Add(ctx, int64(n), queueAttr(queueURL))
	}
}

func (m *metricsRecorder) recordVisibilityChanged(ctx context.Context, queueURL string) {
	m.visibilityChanged.Add(ctx, 1, queueAttr(queueURL))
}

func (m *metricsRecorder) recordVisibilityChangeFailed(ctx context.Context, queueURL string) {
	m.visibilityFailures.Add(ctx, 1, queueAttr(queueURL))
}

func (m *metricsRecorder) recordAckCallback(ctx context.Context, queueURL string, ok bool) {
	m.ackCallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue_url", queueURL),
		attribute.Bool("positive", ok),
	))
}

func (m *metricsRecorder) recordDelay(ctx context.Context, queueURL string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.messageDelay.Record(ctx, float64(d)/float64(time.Millisecond), queueAttr(queueURL))
}
