package ingestor

import "log/slog"

// QueueURLAttr returns a slog attribute for the SQS queue URL.
func QueueURLAttr(url string) slog.Attr {
	return slog.String("messaging.destination.name", url)
}

// MessageIDAttr returns a slog attribute for the SQS message ID.
func MessageIDAttr(id string) slog.Attr {
	return slog.String("messaging.message.id", id)
}

// WorkerAttr returns a slog attribute for the worker index within its queue.
func WorkerAttr(i int) slog.Attr {
	return slog.Int("messaging.consumer.worker", i)
}

// BatchSizeAttr returns a slog attribute for the number of messages in a batch call.
func BatchSizeAttr(n int) slog.Attr {
	return slog.Int("messaging.batch.message_count", n)
}
