// Package buffer accumulates pipeline events and writes them downstream in
// batches.
//
// A Buffer is shared by every worker of a queue. Writes block while the
// buffer is at capacity, which is how a slow sink pushes back on polling.
// Each flushed batch is encoded, written to the sink and then every event in
// it is released: positively when the write succeeded, negatively otherwise.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/baldanca/sqs-ingestor/batcher"
	"github.com/baldanca/sqs-ingestor/encoder"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/sink"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("buffer: closed")

	// ErrBatchTooLarge is returned when a single Write holds more events than
	// the buffer capacity.
	ErrBatchTooLarge = errors.New("buffer: write exceeds buffer capacity")
)

type Config struct {
	// Capacity bounds the events held by the buffer, including batches
	// being flushed.
	Capacity int `yaml:"capacity"`
	// BatchSize flushes once that many events are pending.
	BatchSize int `yaml:"batch_size"`
	// MaxBytes flushes once the estimated size of pending events reaches it.
	MaxBytes int64 `yaml:"max_bytes"`
	// FlushInterval is the maximum time an event waits before being flushed.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// FlushWorkers bounds concurrent flushes.
	FlushWorkers int `yaml:"flush_workers"`
}

var DefaultConfig = Config{
	Capacity:      10_000,
	BatchSize:     1_000,
	MaxBytes:      5 * 1024 * 1024,
	FlushInterval: 5 * time.Second,
	FlushWorkers:  2,
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultConfig.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.BatchSize > c.Capacity {
		c.BatchSize = c.Capacity
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultConfig.MaxBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultConfig.FlushInterval
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = DefaultConfig.FlushWorkers
	}
	return c
}

type Options struct {
	Config

	Encoder encoder.Encoder[*event.Event]
	Sink    sink.Sinkr
	// SinkName labels metrics and logs.
	SinkName string
	// KeyFunc names each batch. Defaults to sink.DefaultKey.
	KeyFunc sink.KeyFunc
	// Retry wraps every sink write. Defaults to a single attempt.
	Retry retry.Policy

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

type Buffer struct {
	cfg      Config
	enc      encoder.Encoder[*event.Event]
	sink     sink.Sinkr
	sinkName string
	keyFunc  sink.KeyFunc
	retry    retry.Policy
	log      *slog.Logger
	metrics  *metricsRecorder

	slots *semaphore.Weighted

	mu      sync.Mutex
	batcher *batcher.Batcher[*event.Event]
	closed  bool

	flushes     *pool.Pool
	flushCtx    context.Context
	flushCancel context.CancelFunc

	stop     chan struct{}
	loopDone chan struct{}
}

// New starts a buffer. Close must be called to flush pending events.
func New(opts Options) (*Buffer, error) {
	if opts.Encoder == nil {
		return nil, fmt.Errorf("buffer: encoder is nil")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("buffer: sink is nil")
	}

	cfg := opts.Config.withDefaults()

	bt, err := batcher.NewBatcher[*event.Event](batcher.BatcherConfig{
		MaxEstimatedInputBytes: cfg.MaxBytes,
		MaxItems:               cfg.BatchSize,
		FlushInterval:          cfg.FlushInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("buffer: %w", err)
	}

	metrics, err := newMetricsRecorder(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("buffer: create metrics: %w", err)
	}

	b := &Buffer{
		cfg:      cfg,
		enc:      opts.Encoder,
		sink:     opts.Sink,
		sinkName: opts.SinkName,
		keyFunc:  opts.KeyFunc,
		retry:    opts.Retry,
		log:      opts.Logger,
		metrics:  metrics,
		slots:    semaphore.NewWeighted(int64(cfg.Capacity)),
		batcher:  bt,
		flushes:  pool.New().WithMaxGoroutines(cfg.FlushWorkers),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if b.keyFunc == nil {
		b.keyFunc = sink.DefaultKey
	}
	if b.retry == nil {
		b.retry = retry.Nop{}
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.sinkName == "" {
		b.sinkName = "sink"
	}
	b.flushCtx, b.flushCancel = context.WithCancel(context.Background())

	go b.run()
	return b, nil
}

// Write adds events to the buffer. It blocks until there is room for all of
// them or ctx is done.
func (b *Buffer) Write(ctx context.Context, events []*event.Event) error {
	n := len(events)
	if n == 0 {
		return nil
	}
	if n > b.cfg.Capacity {
		return fmt.Errorf("%w: %d events, capacity %d", ErrBatchTooLarge, n, b.cfg.Capacity)
	}

	if err := b.slots.Acquire(ctx, int64(n)); err != nil {
		return fmt.Errorf("buffer: wait for capacity: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.slots.Release(int64(n))
		return ErrClosed
	}

	now := time.Now()
	for _, ev := range events {
		if b.batcher.Add(now, ev, ev.EstimatedSizeBytes()) {
			b.flushLocked()
		}
	}
	return nil
}

// Close flushes pending events and waits for in-flight flushes. When ctx is
// done first, in-flight sink writes are cancelled and ctx.Err is returned.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	<-b.loopDone

	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.flushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.flushCancel()
		return nil
	case <-ctx.Done():
		b.flushCancel()
		<-done
		return ctx.Err()
	}
}

func (b *Buffer) run() {
	defer close(b.loopDone)

	tick := b.cfg.FlushInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-t.C:
			b.mu.Lock()
			if b.batcher.ShouldFlushTime(now) {
				b.flushLocked()
			}
			b.mu.Unlock()
		}
	}
}

// flushLocked must be called with b.mu held.
func (b *Buffer) flushLocked() {
	batch := b.batcher.Flush()
	if len(batch.Items) == 0 {
		return
	}
	items := batch.Items
	b.flushes.Go(func() {
		b.flushBatch(b.flushCtx, items)
	})
}

func (b *Buffer) flushBatch(ctx context.Context, items []*event.Event) {
	defer b.slots.Release(int64(len(items)))

	key := b.keyFunc(time.Now(), b.extension())
	err := b.write(ctx, key, items)
	if err != nil {
		b.metrics.recordFlushFailure(ctx, b.sinkName)
		b.log.ErrorContext(ctx, "failed to write batch to sink",
			slog.String("sink", b.sinkName),
			slog.String("key", key),
			slog.Int("events", len(items)),
			slog.Any("error", err),
		)
	} else {
		b.metrics.recordWritten(ctx, b.sinkName, len(items))
	}

	for _, ev := range items {
		ev.Release(err == nil)
	}
}

func (b *Buffer) write(ctx context.Context, key string, items []*event.Event) error {
	if streamed, err := tryStreamWrite(ctx, b.enc, b.sink, b.retry, key, items); streamed {
		return err
	}

	data, err := b.enc.Encode(ctx, items)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req := sink.WriteRequest{
		Key:         key,
		Data:        data,
		ContentType: contentType(b.enc.ContentType()),
		Records:     len(items),
	}
	return b.retry.Do(ctx, func(ctx context.Context) error {
		return b.sink.Write(ctx, req)
	})
}

func (b *Buffer) extension() string {
	ext := b.enc.FileExtension()
	if ext == "" || ext[0] != '.' {
		ext = ".bin"
	}
	return ext
}

func contentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
