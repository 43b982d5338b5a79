package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/baldanca/sqs-ingestor/acknowledgement"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/source"
	"github.com/baldanca/sqs-ingestor/transformer"
)

// ErrRetriesExhausted is returned by Worker.Run once consecutive failures
// reach the backoff ceiling. It usually means a persistent permission or
// configuration problem.
var ErrRetriesExhausted = errors.New("ingestor: retries exhausted")

// QueueClient is the subset of the SQS API a worker uses.
type QueueClient interface {
	ReceiveMessages(ctx context.Context, queueURL string, req source.ReceiveRequest) ([]source.Message, error)
	ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, timeoutSeconds int32) error
	DeleteMessageBatch(ctx context.Context, queueURL string, entries []source.DeleteEntry) (source.DeleteResult, error)
}

// Buffer receives the events translated from queue messages. It must be safe
// for concurrent use by every worker of a queue.
type Buffer interface {
	Write(ctx context.Context, events []*event.Event) error
}

// AcknowledgementManager creates acknowledgement sets.
type AcknowledgementManager interface {
	Create(onComplete func(ok bool), expiry time.Duration) acknowledgement.Set
}

type WorkerOptions struct {
	Queue  QueueConfig
	Source SourceOptions

	Client  QueueClient
	Handler transformer.Handler
	Buffer  Buffer

	// Acknowledgements is required when Source.Acknowledgements is set.
	Acknowledgements AcknowledgementManager

	Backoff retry.BackoffPolicy

	// Index identifies the worker among its queue's workers in logs.
	Index int

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// Worker runs one polling loop against one queue.
//
// Each iteration receives up to MaximumMessages messages, translates and
// buffers each of them, deletes the ones that are done and, when messages
// were received, sleeps PollDelay. Receive and processing failures are
// absorbed through the backoff policy.
type Worker struct {
	cfg     QueueConfig
	opts    SourceOptions
	client  QueueClient
	handler transformer.Handler
	buffer  Buffer
	acks    AcknowledgementManager

	backoff *retry.Backoff
	leases  *leaseTracker
	metrics *metricsRecorder
	log     *slog.Logger

	stopped atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewWorker validates opts and returns a stopped-until-Run worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	metrics, err := newMetricsRecorder(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("ingestor: create metrics: %w", err)
	}
	return newWorker(opts, metrics)
}

func newWorker(opts WorkerOptions, metrics *metricsRecorder) (*Worker, error) {
	if err := opts.Queue.Validate(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, errors.New("ingestor: client is nil")
	}
	if opts.Handler == nil {
		return nil, errors.New("ingestor: handler is nil")
	}
	if opts.Buffer == nil {
		return nil, errors.New("ingestor: buffer is nil")
	}
	if opts.Source.Acknowledgements && opts.Acknowledgements == nil {
		return nil, errors.New("ingestor: acknowledgements enabled without an acknowledgement manager")
	}
	if opts.Source.BufferTimeout <= 0 {
		opts.Source.BufferTimeout = DefaultBufferTimeout
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		cfg:     opts.Queue,
		opts:    opts.Source,
		client:  opts.Client,
		handler: opts.Handler,
		buffer:  opts.Buffer,
		acks:    opts.Acknowledgements,
		backoff: opts.Backoff.New(),
		leases:  newLeaseTracker(opts.Queue.VisibilityTimeout, opts.Queue.VisibilityDuplicateProtectionTimeout),
		metrics: metrics,
		log:     log.With(QueueURLAttr(opts.Queue.URL), WorkerAttr(opts.Index)),
		sleep:   retry.Sleep,
		now:     time.Now,
	}, nil
}

// Stop asks the loop to exit before its next iteration. In-flight calls are
// not interrupted.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

// Run polls until Stop is called or ctx is cancelled. It returns
// ErrRetriesExhausted when the backoff ceiling is reached and nil otherwise.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "starting sqs worker")
	defer w.log.InfoContext(ctx, "sqs worker stopped")

	for !w.stopped.Load() {
		if ctx.Err() != nil {
			return nil
		}

		n, err := w.runOnce(ctx)
		if err != nil {
			return err
		}

		if n > 0 && w.cfg.PollDelay > 0 {
			if err := w.sleep(ctx, w.cfg.PollDelay); err != nil {
				return nil
			}
		}
	}
	return nil
}

// runOnce performs one receive, process, delete cycle and returns the number
// of received messages.
func (w *Worker) runOnce(ctx context.Context) (int, error) {
	msgs, err := w.receive(ctx)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := source.DeleteBatch{Size: w.cfg.BatchSize}
	var fatal error
	for _, msg := range msgs {
		if err := w.process(ctx, msg, &batch); err != nil {
			fatal = err
			break
		}
	}

	w.delete(ctx, &batch)
	return len(msgs), fatal
}

func (w *Worker) receive(ctx context.Context) ([]source.Message, error) {
	msgs, err := w.client.ReceiveMessages(ctx, w.cfg.URL, w.cfg.receiveRequest())
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		w.log.ErrorContext(ctx, "failed to receive messages", slog.Any("error", err))
		return nil, w.applyBackoff(ctx)
	}
	w.backoff.Reset()

	if len(msgs) == 0 {
		return nil, nil
	}
	w.metrics.recordReceived(ctx, w.cfg.URL, len(msgs))
	now := w.now()
	for _, msg := range msgs {
		if sent, ok := msg.SentTimestamp(); ok {
			w.metrics.recordDelay(ctx, w.cfg.URL, now.Sub(sent))
		}
	}
	return msgs, nil
}

// applyBackoff waits out the next backoff delay. It only returns an error
// once the ceiling is reached.
func (w *Worker) applyBackoff(ctx context.Context) error {
	d, err := w.backoff.Next()
	if err != nil {
		w.log.ErrorContext(ctx, "backoff ceiling reached, stopping worker",
			slog.Int("consecutive_failures", w.backoff.Failures()),
		)
		return fmt.Errorf("%w: queue %s after %d consecutive failures", ErrRetriesExhausted, w.cfg.URL, w.backoff.Failures())
	}

	w.log.DebugContext(ctx, "pausing after failure",
		slog.Duration("delay", d),
		slog.Int("consecutive_failures", w.backoff.Failures()),
	)
	_ = w.sleep(ctx, d)
	return nil
}

func (w *Worker) process(ctx context.Context, msg source.Message, batch *source.DeleteBatch) error {
	if w.opts.Acknowledgements {
		return w.processWithAcknowledgements(ctx, msg)
	}

	events, err := w.handler.Handle(ctx, w.cfg.URL, msg)
	if err == nil {
		err = w.write(ctx, events)
	}
	if err != nil {
		w.processingFailed(ctx, msg, err)
		return w.applyBackoff(ctx)
	}

	batch.Add(msg.DeleteEntry())
	return nil
}

func (w *Worker) processWithAcknowledgements(ctx context.Context, msg source.Message) error {
	// Callbacks may outlive the loop's context.
	cbCtx := context.WithoutCancel(ctx)

	set := w.acks.Create(func(ok bool) {
		w.acknowledged(cbCtx, msg, ok)
	}, w.cfg.ackExpiry())

	if w.cfg.VisibilityDuplicateProtection {
		w.leases.track(msg.ID)
		set.AddProgressCheck(func(acknowledgement.ProgressCheck) {
			w.extendVisibility(cbCtx, msg)
		}, w.cfg.progressInterval())
	}

	events, err := w.handler.Handle(ctx, w.cfg.URL, msg)
	if err == nil {
		for _, ev := range events {
			set.Add(ev)
		}
		err = w.write(ctx, events)
	}
	if err != nil {
		// The set is never completed and expires negatively. Dropping the
		// lease turns its progress checks into no-ops so the message becomes
		// visible again after one visibility timeout.
		w.leases.remove(msg.ID)
		w.processingFailed(ctx, msg, err)
		return w.applyBackoff(ctx)
	}

	set.Complete()
	return nil
}

func (w *Worker) write(ctx context.Context, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.opts.BufferTimeout)
	defer cancel()
	return w.buffer.Write(ctx, events)
}

func (w *Worker) processingFailed(ctx context.Context, msg source.Message, err error) {
	w.metrics.recordFailed(ctx, w.cfg.URL)
	w.log.ErrorContext(ctx, "failed to process message",
		MessageIDAttr(msg.ID),
		slog.Any("error", err),
	)
}

// acknowledged runs once per message when its acknowledgement set finishes.
func (w *Worker) acknowledged(ctx context.Context, msg source.Message, ok bool) {
	w.metrics.recordAckCallback(ctx, w.cfg.URL, ok)
	w.leases.remove(msg.ID)

	if !ok {
		w.log.WarnContext(ctx, "message was not acknowledged, leaving it for redelivery", MessageIDAttr(msg.ID))
		return
	}

	var batch source.DeleteBatch
	batch.Add(msg.DeleteEntry())
	w.delete(ctx, &batch)
}

// extendVisibility renews the lease of a message whose acknowledgement is
// still pending, until the duplicate protection cap is reached.
func (w *Worker) extendVisibility(ctx context.Context, msg source.Message) {
	if w.stopped.Load() {
		w.log.DebugContext(ctx, "worker stopping, not extending visibility", MessageIDAttr(msg.ID))
		return
	}

	total, ok := w.leases.extend(msg.ID)
	if !ok {
		return
	}

	err := w.client.ChangeMessageVisibility(ctx, w.cfg.URL, msg.ReceiptHandle, seconds(w.cfg.VisibilityTimeout))
	if err != nil {
		w.metrics.recordVisibilityChangeFailed(ctx, w.cfg.URL)
		w.log.WarnContext(ctx, "failed to extend message visibility",
			MessageIDAttr(msg.ID),
			slog.Any("error", err),
		)
		return
	}

	w.metrics.recordVisibilityChanged(ctx, w.cfg.URL)
	w.log.DebugContext(ctx, "extended message visibility",
		MessageIDAttr(msg.ID),
		slog.Int("total_visibility_seconds", int(total)),
	)
}

// delete commits batch. Failed entries are not retried: those messages are
// redelivered once their visibility timeout lapses.
func (w *Worker) delete(ctx context.Context, batch *source.DeleteBatch) {
	if batch.Len() == 0 {
		return
	}

	res, err := batch.Commit(ctx, w.client, w.cfg.URL)
	w.metrics.recordDeleted(ctx, w.cfg.URL, len(res.Successful))
	w.metrics.recordDeleteFailed(ctx, w.cfg.URL, len(res.Failed))

	if err != nil || len(res.Failed) > 0 {
		w.log.WarnContext(ctx, "failed to delete messages",
			BatchSizeAttr(batch.Len()),
			slog.Int("failed", len(res.Failed)),
			slog.Any("error", err),
		)
	}
}
