package ingestor

import (
	"sync"
	"time"
)

// leaseTracker records, per in-flight message, the total visibility timeout
// granted so far. Progress checks and completion callbacks run on the
// acknowledgement manager's goroutines, hence the mutex.
type leaseTracker struct {
	step int32
	max  int32

	mu      sync.Mutex
	granted map[string]int32
}

func newLeaseTracker(step, max time.Duration) *leaseTracker {
	return &leaseTracker{
		step:    seconds(step),
		max:     seconds(max),
		granted: make(map[string]int32),
	}
}

// track starts a lease for id at the initial visibility timeout.
func (l *leaseTracker) track(id string) {
	l.mu.Lock()
	l.granted[id] = l.step
	l.mu.Unlock()
}

// extend grants one more step to id and returns the new total. It reports
// false, leaving the lease untouched, when id is not tracked, the step is
// zero or the new total would exceed the cap.
func (l *leaseTracker) extend(id string) (int32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.granted[id]
	if !ok || l.step <= 0 {
		return 0, false
	}
	next := cur + l.step
	if next > l.max {
		return cur, false
	}
	l.granted[id] = next
	return next, true
}

func (l *leaseTracker) remove(id string) {
	l.mu.Lock()
	delete(l.granted, id)
	l.mu.Unlock()
}

func (l *leaseTracker) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.granted)
}
