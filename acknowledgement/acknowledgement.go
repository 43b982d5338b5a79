// Package acknowledgement tracks the downstream outcome of groups of events.
//
// A Set is created per source message. Events produced from the message are
// added to it, and once Complete is called and every event has been released
// the set fires its completion callback exactly once: positive when every
// event was released successfully, negative when any event failed or the set
// expired first.
package acknowledgement

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/baldanca/sqs-ingestor/event"
)

// ProgressCheck describes a set that is still waiting for its outcome.
type ProgressCheck struct {
	// Ratio is the share of added events that have been released, in [0, 1].
	Ratio float64
}

// Set groups the events produced from one source message.
type Set interface {
	// Add tracks e. The set's outcome waits for e to be released.
	Add(e *event.Event)

	// AddProgressCheck calls fn every interval until the set finishes.
	AddProgressCheck(fn func(ProgressCheck), interval time.Duration)

	// Complete marks the end of Add calls.
	Complete()
}

// Options configures a Manager.
type Options struct {
	// CallbackWorkers bounds the goroutines running completion callbacks.
	CallbackWorkers int
	Logger          *slog.Logger
}

// Manager creates sets and runs their callbacks.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	closed   bool
	done     chan struct{}
	callback *pool.Pool
	progress conc.WaitGroup
}

// NewManager returns a Manager ready to create sets.
func NewManager(opts Options) *Manager {
	workers := opts.CallbackWorkers
	if workers <= 0 {
		workers = 8
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		done:     make(chan struct{}),
		callback: pool.New().WithMaxGoroutines(workers),
	}
}

// Create returns a new set whose outcome is delivered to onComplete.
//
// A set that has not finished within expiry completes negatively. A
// non-positive expiry disables expiration.
func (m *Manager) Create(onComplete func(ok bool), expiry time.Duration) Set {
	s := &set{
		m:          m,
		onComplete: onComplete,
		stop:       make(chan struct{}),
	}
	if expiry > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(expiry, s.expire)
		s.mu.Unlock()
	}
	return s
}

// Close stops progress checks and waits for running callbacks. Sets that
// finish after Close run their callback on the caller's goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.progress.Wait()
	m.callback.Wait()
}

func (m *Manager) dispatch(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		fn()
		return
	}
	m.callback.Go(fn)
}

type set struct {
	m          *Manager
	onComplete func(ok bool)
	timer      *time.Timer
	stop       chan struct{}

	mu        sync.Mutex
	total     int
	released  int
	failed    bool
	completed bool
	finished  bool
}

func (s *set) Add(e *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		s.m.log.Warn("event added to a finished acknowledgement set", slog.String("event.id", e.ID()))
		return
	}
	s.total++
	e.SetHandle(s)
}

func (s *set) Release(_ *event.Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.released++
	if !ok {
		s.failed = true
		s.finish(false)
		return
	}
	if s.completed && s.released >= s.total {
		s.finish(true)
	}
}

func (s *set) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.completed {
		return
	}
	s.completed = true
	if s.released >= s.total {
		s.finish(!s.failed)
	}
}

func (s *set) AddProgressCheck(fn func(ProgressCheck), interval time.Duration) {
	if interval <= 0 || fn == nil {
		return
	}

	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return
	}

	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	if s.m.closed {
		return
	}
	s.m.progress.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-s.m.done:
				return
			case <-ticker.C:
				pc, ok := s.progressCheck()
				if !ok {
					return
				}
				fn(pc)
			}
		}
	})
}

func (s *set) progressCheck() (ProgressCheck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ProgressCheck{}, false
	}
	if s.total == 0 {
		return ProgressCheck{}, true
	}
	return ProgressCheck{Ratio: float64(s.released) / float64(s.total)}, true
}

func (s *set) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finish(false)
}

// finish must be called with s.mu held.
func (s *set) finish(ok bool) {
	s.finished = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stop)
	if s.onComplete != nil {
		cb := s.onComplete
		s.m.dispatch(func() { cb(ok) })
	}
}
