package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"

	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/transformer"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultForceTimeout    = 5 * time.Second
)

// ServiceClient is the queue client shared by every worker of a Service.
type ServiceClient interface {
	QueueClient
	Close() error
}

// Queue binds a queue configuration to its handler and buffer.
type Queue struct {
	Config  QueueConfig
	Handler transformer.Handler
	Buffer  Buffer
}

type ServiceOptions struct {
	Queues []Queue
	Source SourceOptions

	Client           ServiceClient
	Acknowledgements AcknowledgementManager

	// Backoff is the template each worker builds its own backoff from.
	Backoff retry.BackoffPolicy

	// ShutdownTimeout bounds how long Stop waits for workers to finish
	// their current iteration before cancelling them.
	ShutdownTimeout time.Duration
	// ForceTimeout bounds how long Stop waits after cancelling.
	ForceTimeout time.Duration

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

// Service runs a pool of workers per configured queue.
type Service struct {
	opts    ServiceOptions
	log     *slog.Logger
	metrics *metricsRecorder

	mu      sync.Mutex
	started bool
	workers []*Worker
	cancel  context.CancelFunc
	done    chan struct{}
	errs    []error

	stopOnce sync.Once
}

// NewService validates every queue configuration. It fails with an error
// wrapping ErrInvalidConfig before anything is started.
func NewService(opts ServiceOptions) (*Service, error) {
	if len(opts.Queues) == 0 {
		return nil, fmt.Errorf("%w: no queues configured", ErrInvalidConfig)
	}
	for _, q := range opts.Queues {
		if err := q.Config.Validate(); err != nil {
			return nil, err
		}
		if q.Handler == nil || q.Buffer == nil {
			return nil, fmt.Errorf("%w: queue %s: handler and buffer are required", ErrInvalidConfig, q.Config.URL)
		}
	}
	if opts.Client == nil {
		return nil, errors.New("ingestor: client is nil")
	}
	if opts.Source.Acknowledgements && opts.Acknowledgements == nil {
		return nil, errors.New("ingestor: acknowledgements enabled without an acknowledgement manager")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.ForceTimeout <= 0 {
		opts.ForceTimeout = DefaultForceTimeout
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics, err := newMetricsRecorder(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("ingestor: create metrics: %w", err)
	}

	return &Service{
		opts:    opts,
		log:     log,
		metrics: metrics,
	}, nil
}

// Start launches the workers of every queue and returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("ingestor: service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	type queueRun struct {
		url  string
		pool *pool.ContextPool
	}
	var runs []queueRun
	for _, q := range s.opts.Queues {
		p := pool.New().WithMaxGoroutines(q.Config.Workers).WithContext(runCtx)
		for i := 0; i < q.Config.Workers; i++ {
			w, err := newWorker(WorkerOptions{
				Queue:            q.Config,
				Source:           s.opts.Source,
				Client:           s.opts.Client,
				Handler:          q.Handler,
				Buffer:           q.Buffer,
				Acknowledgements: s.opts.Acknowledgements,
				Backoff:          s.opts.Backoff,
				Index:            i,
				Logger:           s.log,
			}, s.metrics)
			if err != nil {
				cancel()
				return err
			}
			s.workers = append(s.workers, w)
			p.Go(func(ctx context.Context) error {
				return w.Run(ctx)
			})
		}
		runs = append(runs, queueRun{url: q.Config.URL, pool: p})
		s.log.InfoContext(ctx, "started queue workers",
			QueueURLAttr(q.Config.URL),
			slog.Int("workers", q.Config.Workers),
		)
	}

	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, r := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.pool.Wait(); err != nil {
				s.log.ErrorContext(ctx, "queue workers terminated", QueueURLAttr(r.url), slog.Any("error", err))
				s.mu.Lock()
				s.errs = append(s.errs, err)
				s.mu.Unlock()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

// Done is closed once every worker has exited, either after Stop or because
// all of them hit a fatal error. It is nil before Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err joins the fatal errors returned by workers so far.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Stop signals every worker, waits up to ShutdownTimeout for them to exit,
// then cancels them and waits up to ForceTimeout more. The client is closed
// last. Only the first call has an effect.
func (s *Service) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Service) stop() {
	s.mu.Lock()
	workers := s.workers
	done := s.done
	cancel := s.cancel
	s.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	if done != nil {
		if !waitFor(done, s.opts.ShutdownTimeout) {
			s.log.Warn("workers did not stop in time, forcing shutdown",
				slog.Duration("timeout", s.opts.ShutdownTimeout),
			)
			cancel()
			if !waitFor(done, s.opts.ForceTimeout) {
				s.log.Error("workers did not terminate after forced shutdown",
					slog.Duration("timeout", s.opts.ForceTimeout),
				)
			}
		}
		cancel()
	}

	if err := s.opts.Client.Close(); err != nil {
		s.log.Warn("failed to close queue client", slog.Any("error", err))
	}
}

func waitFor(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
