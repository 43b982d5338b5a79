package ingestor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/baldanca/sqs-ingestor/acknowledgement"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/source"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/ingest"

type receiveResult struct {
	msgs []source.Message
	err  error
}

type visibilityCall struct {
	receiptHandle string
	timeout       int32
}

type fakeQueueClient struct {
	mu sync.Mutex

	script       []receiveResult
	receiveCalls int
	lastReceive  source.ReceiveRequest
	// blockWhenIdle makes receives with an empty script wait for ctx, like
	// a long poll that outlives the shutdown grace period.
	blockWhenIdle bool

	deleteCalls [][]source.DeleteEntry
	deleteFail  map[string]bool

	visCalls []visibilityCall
	visErr   error

	closed int
}

func (f *fakeQueueClient) ReceiveMessages(ctx context.Context, queueURL string, req source.ReceiveRequest) ([]source.Message, error) {
	f.mu.Lock()
	f.receiveCalls++
	f.lastReceive = req
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		f.mu.Unlock()
		return next.msgs, next.err
	}
	block := f.blockWhenIdle
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeQueueClient) ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, timeoutSeconds int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visCalls = append(f.visCalls, visibilityCall{receiptHandle: receiptHandle, timeout: timeoutSeconds})
	return f.visErr
}

func (f *fakeQueueClient) DeleteMessageBatch(ctx context.Context, queueURL string, entries []source.DeleteEntry) (source.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, append([]source.DeleteEntry(nil), entries...))

	var res source.DeleteResult
	for _, e := range entries {
		if f.deleteFail[e.ID] {
			res.Failed = append(res.Failed, e.ID)
			continue
		}
		res.Successful = append(res.Successful, e.ID)
	}
	return res, nil
}

func (f *fakeQueueClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeQueueClient) ReceiveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receiveCalls
}

func (f *fakeQueueClient) DeleteCalls() [][]source.DeleteEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]source.DeleteEntry(nil), f.deleteCalls...)
}

func (f *fakeQueueClient) DeletedIDs() []string {
	var ids []string
	for _, call := range f.DeleteCalls() {
		for _, e := range call {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (f *fakeQueueClient) VisibilityCalls() []visibilityCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]visibilityCall(nil), f.visCalls...)
}

func (f *fakeQueueClient) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBuffer struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (b *fakeBuffer) Write(ctx context.Context, events []*event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, events...)
	return nil
}

func (b *fakeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type fakeSet struct {
	mu         sync.Mutex
	onComplete func(bool)
	expiry     time.Duration
	progress   func(acknowledgement.ProgressCheck)
	interval   time.Duration
	events     []*event.Event
	completed  bool
}

func (s *fakeSet) Add(e *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSet) AddProgressCheck(fn func(acknowledgement.ProgressCheck), interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
	s.interval = interval
}

func (s *fakeSet) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
}

type fakeAcks struct {
	mu   sync.Mutex
	sets []*fakeSet
}

func (a *fakeAcks) Create(onComplete func(bool), expiry time.Duration) acknowledgement.Set {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &fakeSet{onComplete: onComplete, expiry: expiry}
	a.sets = append(a.sets, s)
	return s
}

func testMessages(n int) []source.Message {
	msgs := make([]source.Message, n)
	for i := range msgs {
		id := "m-" + strconv.Itoa(i)
		msgs[i] = source.Message{
			ID:            id,
			ReceiptHandle: "rh-" + id,
			Body:          fmt.Sprintf(`{"n":%d}`, i),
			Attributes: map[string]string{
				"SentTimestamp": strconv.FormatInt(time.Now().Add(-time.Second).UnixMilli(), 10),
			},
		}
	}
	return msgs
}

var errTranslate = errors.New("cannot translate")

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
