package ingestor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/baldanca/sqs-ingestor/acknowledgement"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/source"
	"github.com/baldanca/sqs-ingestor/transformer"
)

type workerHarness struct {
	w      *Worker
	client *fakeQueueClient
	buffer *fakeBuffer
	acks   *fakeAcks
	reader *sdkmetric.ManualReader

	mu     sync.Mutex
	sleeps []time.Duration
}

func (h *workerHarness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *workerHarness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	return counterTotal(t, rm, name)
}

func newHarness(t *testing.T, cfg QueueConfig, configure func(*WorkerOptions)) *workerHarness {
	t.Helper()

	h := &workerHarness{
		client: &fakeQueueClient{},
		buffer: &fakeBuffer{},
		acks:   &fakeAcks{},
		reader: sdkmetric.NewManualReader(),
	}
	opts := WorkerOptions{
		Queue:            cfg,
		Client:           h.client,
		Handler:          transformer.Raw{},
		Buffer:           h.buffer,
		Acknowledgements: h.acks,
		Backoff:          retry.BackoffPolicy{InitialDelay: time.Second, MaxDelay: time.Minute},
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)),
	}
	if configure != nil {
		configure(&opts)
	}

	w, err := NewWorker(opts)
	require.NoError(t, err)
	w.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.w = w
	return h
}

func failOn(ids ...string) transformer.Handler {
	return transformer.HandlerFunc(func(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error) {
		if slices.Contains(ids, msg.ID) {
			return nil, errTranslate
		}
		return transformer.Raw{}.Handle(ctx, queueURL, msg)
	})
}

func TestWorker_WithoutAcknowledgements(t *testing.T) {
	t.Run("will delete ten buffered messages with one batch call", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, nil)
		h.client.script = []receiveResult{{msgs: testMessages(10)}}

		n, err := h.w.runOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 10, n)

		calls := h.client.DeleteCalls()
		require.Len(t, calls, 1)
		require.Len(t, calls[0], 10)
		require.Equal(t, 10, h.buffer.Len())

		require.Equal(t, int64(10), h.counter(t, "sqs.messages.received"))
		require.Equal(t, int64(10), h.counter(t, "sqs.messages.deleted"))
		require.Zero(t, h.counter(t, "sqs.messages.delete.failed"))
	})

	t.Run("will request the configured receive bounds", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		cfg.MaximumMessages = 4
		cfg.WaitTime = 5 * time.Second
		h := newHarness(t, cfg, nil)

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		require.Equal(t, source.ReceiveRequest{MaxMessages: 4, VisibilityTimeout: 30, WaitTime: 5}, h.client.lastReceive)
	})

	t.Run("will leave a message that fails to translate for redelivery", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, func(o *WorkerOptions) { o.Handler = failOn("m-3") })
		h.client.script = []receiveResult{{msgs: testMessages(10)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		ids := h.client.DeletedIDs()
		require.Len(t, ids, 9)
		require.NotContains(t, ids, "m-3")
		require.Equal(t, int64(1), h.counter(t, "sqs.messages.failed"))
		require.Equal(t, []time.Duration{time.Second}, h.Sleeps())
	})

	t.Run("will not delete when the buffer rejects the events", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, nil)
		h.buffer.err = errors.New("full")
		h.client.script = []receiveResult{{msgs: testMessages(2)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		require.Empty(t, h.client.DeleteCalls())
		require.Equal(t, int64(2), h.counter(t, "sqs.messages.failed"))
	})

	t.Run("will count per entry delete failures without retrying", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, nil)
		h.client.deleteFail = map[string]bool{"m-1": true}
		h.client.script = []receiveResult{{msgs: testMessages(3)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		require.Len(t, h.client.DeleteCalls(), 1)
		require.Equal(t, int64(2), h.counter(t, "sqs.messages.deleted"))
		require.Equal(t, int64(1), h.counter(t, "sqs.messages.delete.failed"))
	})

	t.Run("will chunk deletes by the configured batch size", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		cfg.BatchSize = 4
		h := newHarness(t, cfg, nil)
		h.client.script = []receiveResult{{msgs: testMessages(10)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		calls := h.client.DeleteCalls()
		require.Len(t, calls, 3)
		require.Len(t, calls[2], 2)
	})
}

func TestWorker_Backoff(t *testing.T) {
	t.Run("will grow the delay across receive failures and reset after a success", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, nil)
		boom := errors.New("throttled")
		h.client.script = []receiveResult{
			{err: boom}, {err: boom}, {err: boom}, {err: boom}, {err: boom},
			{},
			{err: boom},
		}

		for i := 0; i < 7; i++ {
			_, err := h.w.runOnce(context.Background())
			require.NoError(t, err)
		}

		require.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
			time.Second,
		}, h.Sleeps())
	})

	t.Run("will end the loop once the ceiling is reached", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, func(o *WorkerOptions) {
			o.Backoff = retry.BackoffPolicy{InitialDelay: time.Millisecond, MaxAttempts: 2}
		})
		boom := errors.New("access denied")
		h.client.script = []receiveResult{{err: boom}, {err: boom}, {err: boom}, {err: boom}}

		err := h.w.Run(context.Background())
		require.ErrorIs(t, err, ErrRetriesExhausted)
		require.Equal(t, 3, h.client.ReceiveCalls())
	})

	t.Run("will still delete accumulated entries when the ceiling is reached", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, func(o *WorkerOptions) {
			o.Handler = failOn("m-1", "m-2")
			o.Backoff = retry.BackoffPolicy{InitialDelay: time.Millisecond, MaxAttempts: 1}
		})
		h.client.script = []receiveResult{{msgs: testMessages(4)}}

		_, err := h.w.runOnce(context.Background())
		require.ErrorIs(t, err, ErrRetriesExhausted)
		require.Equal(t, []time.Duration{time.Millisecond}, h.Sleeps())
		require.Equal(t, []string{"m-0"}, h.client.DeletedIDs())
	})
}

func TestWorker_Run(t *testing.T) {
	t.Run("will pause for the poll delay after receiving messages", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		cfg.PollDelay = 3 * time.Second
		h := newHarness(t, cfg, nil)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}
		h.w.sleep = func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			h.w.Stop()
			return nil
		}

		require.NoError(t, h.w.Run(context.Background()))
		require.Equal(t, []time.Duration{3 * time.Second}, h.Sleeps())
		require.Equal(t, 1, h.client.ReceiveCalls())
	})

	t.Run("will not poll once stopped", func(t *testing.T) {
		h := newHarness(t, NewQueueConfig(testQueueURL), nil)
		h.w.Stop()

		require.NoError(t, h.w.Run(context.Background()))
		require.Zero(t, h.client.ReceiveCalls())
	})

	t.Run("will return when the context is cancelled", func(t *testing.T) {
		h := newHarness(t, NewQueueConfig(testQueueURL), nil)
		h.client.blockWhenIdle = true

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- h.w.Run(ctx) }()

		require.Eventually(t, func() bool { return h.client.ReceiveCalls() == 1 }, time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("worker did not return after cancellation")
		}
		require.Empty(t, h.Sleeps())
	})
}

func TestWorker_WithAcknowledgements(t *testing.T) {
	ackEnabled := func(o *WorkerOptions) { o.Source.Acknowledgements = true }

	t.Run("will delete only after a positive acknowledgement", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(2)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)
		require.Empty(t, h.client.DeleteCalls())

		require.Len(t, h.acks.sets, 2)
		for _, s := range h.acks.sets {
			require.Equal(t, 28*time.Second, s.expiry)
			require.True(t, s.completed)
			require.Len(t, s.events, 1)
			require.Nil(t, s.progress)
		}

		h.acks.sets[0].onComplete(true)
		h.acks.sets[1].onComplete(false)

		require.Equal(t, []string{"m-0"}, h.client.DeletedIDs())
		require.Equal(t, int64(2), h.counter(t, "sqs.acknowledgement_set.callbacks"))
		require.Equal(t, int64(1), h.counter(t, "sqs.messages.deleted"))
	})

	t.Run("will leave the set incomplete when processing fails", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, func(o *WorkerOptions) {
			ackEnabled(o)
			o.Handler = failOn("m-0")
		})
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		require.Len(t, h.acks.sets, 1)
		require.False(t, h.acks.sets[0].completed)
		require.Empty(t, h.client.DeleteCalls())
		require.Equal(t, int64(1), h.counter(t, "sqs.messages.failed"))
	})

	t.Run("will complete a set without events", func(t *testing.T) {
		cfg := NewQueueConfig(testQueueURL)
		h := newHarness(t, cfg, func(o *WorkerOptions) {
			ackEnabled(o)
			o.Handler = transformer.HandlerFunc(func(context.Context, string, source.Message) ([]*event.Event, error) {
				return nil, nil
			})
		})
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)
		require.True(t, h.acks.sets[0].completed)
		require.Empty(t, h.acks.sets[0].events)
	})
}

func TestWorker_DuplicateProtection(t *testing.T) {
	protected := func() QueueConfig {
		cfg := NewQueueConfig(testQueueURL)
		cfg.VisibilityTimeout = 30 * time.Second
		cfg.VisibilityDuplicateProtection = true
		cfg.VisibilityDuplicateProtectionTimeout = 120 * time.Second
		return cfg
	}
	ackEnabled := func(o *WorkerOptions) { o.Source.Acknowledgements = true }

	t.Run("will extend visibility without exceeding the cap", func(t *testing.T) {
		h := newHarness(t, protected(), ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		set := h.acks.sets[0]
		require.Equal(t, 120*time.Second, set.expiry)
		require.Equal(t, 14*time.Second, set.interval)
		require.NotNil(t, set.progress)

		for i := 0; i < 5; i++ {
			set.progress(acknowledgement.ProgressCheck{})
		}

		calls := h.client.VisibilityCalls()
		require.Len(t, calls, 3)
		for _, c := range calls {
			require.Equal(t, "rh-m-0", c.receiptHandle)
			require.Equal(t, int32(30), c.timeout)
		}
		total, ok := h.w.leases.extend("m-0")
		require.False(t, ok)
		require.Equal(t, int32(120), total)
		require.Equal(t, int64(3), h.counter(t, "sqs.visibility_timeout.changed"))
	})

	t.Run("will clear the lease on a negative outcome without deleting", func(t *testing.T) {
		h := newHarness(t, protected(), ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, h.w.leases.len())

		h.acks.sets[0].onComplete(false)

		require.Zero(t, h.w.leases.len())
		require.Empty(t, h.client.DeleteCalls())
	})

	t.Run("will clear the lease on a positive outcome and delete", func(t *testing.T) {
		h := newHarness(t, protected(), ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		h.acks.sets[0].onComplete(true)

		require.Zero(t, h.w.leases.len())
		require.Equal(t, []string{"m-0"}, h.client.DeletedIDs())
	})

	t.Run("will not extend visibility once stopped", func(t *testing.T) {
		h := newHarness(t, protected(), ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		h.w.Stop()
		h.acks.sets[0].progress(acknowledgement.ProgressCheck{})

		require.Empty(t, h.client.VisibilityCalls())
	})

	t.Run("will not extend visibility of a message that failed processing", func(t *testing.T) {
		h := newHarness(t, protected(), func(o *WorkerOptions) {
			ackEnabled(o)
			o.Handler = failOn("m-0")
		})
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		set := h.acks.sets[0]
		require.False(t, set.completed)
		require.NotNil(t, set.progress)
		require.Zero(t, h.w.leases.len())

		for i := 0; i < 3; i++ {
			set.progress(acknowledgement.ProgressCheck{})
		}
		require.Empty(t, h.client.VisibilityCalls())
	})

	t.Run("will not extend visibility with a zero visibility timeout", func(t *testing.T) {
		cfg := protected()
		cfg.VisibilityTimeout = 0
		h := newHarness(t, cfg, ackEnabled)
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			h.acks.sets[0].progress(acknowledgement.ProgressCheck{})
		}
		require.Empty(t, h.client.VisibilityCalls())
	})

	t.Run("will count failed extensions", func(t *testing.T) {
		h := newHarness(t, protected(), ackEnabled)
		h.client.visErr = errors.New("receipt handle is invalid")
		h.client.script = []receiveResult{{msgs: testMessages(1)}}

		_, err := h.w.runOnce(context.Background())
		require.NoError(t, err)

		h.acks.sets[0].progress(acknowledgement.ProgressCheck{})

		require.Equal(t, int64(1), h.counter(t, "sqs.visibility_timeout.change_failed"))
		require.Zero(t, h.counter(t, "sqs.visibility_timeout.changed"))
	})
}

func TestNewWorker(t *testing.T) {
	t.Run("will require an acknowledgement manager when acknowledgements are enabled", func(t *testing.T) {
		_, err := NewWorker(WorkerOptions{
			Queue:   NewQueueConfig(testQueueURL),
			Source:  SourceOptions{Acknowledgements: true},
			Client:  &fakeQueueClient{},
			Handler: transformer.Raw{},
			Buffer:  &fakeBuffer{},
		})
		require.Error(t, err)
	})

	t.Run("will reject an invalid queue configuration", func(t *testing.T) {
		_, err := NewWorker(WorkerOptions{
			Queue:   NewQueueConfig(""),
			Client:  &fakeQueueClient{},
			Handler: transformer.Raw{},
			Buffer:  &fakeBuffer{},
		})
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}
