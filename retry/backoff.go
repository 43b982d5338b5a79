package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned by Backoff.Next once the configured ceiling is
// reached.
var ErrExhausted = errors.New("retry: attempts exhausted")

// BackoffPolicy is the immutable template a worker's Backoff is built from.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter randomizes each delay within ±Jitter of its nominal value.
	Jitter float64
	// MaxAttempts is the number of consecutive failures tolerated before
	// Next reports ErrExhausted. Zero means unbounded.
	MaxAttempts int
	// MaxElapsed bounds the time since the first consecutive failure. Zero
	// means unbounded.
	MaxElapsed time.Duration
}

// DefaultBackoffPolicy waits 20s after the first failure, doubling up to 5m,
// with 20% jitter and no ceiling.
var DefaultBackoffPolicy = BackoffPolicy{
	InitialDelay: 20 * time.Second,
	MaxDelay:     5 * time.Minute,
	Jitter:       0.2,
}

// New returns a fresh Backoff following p.
func (p BackoffPolicy) New() *Backoff {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = DefaultBackoffPolicy.InitialDelay
	}
	max := p.MaxDelay
	if max < initial {
		max = initial
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      p.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
	}
	return &Backoff{b: b}
}

// Backoff tracks consecutive failures of one polling loop. It is not safe for
// concurrent use.
type Backoff struct {
	b        backoff.BackOff
	failures int
}

// Next records a failure and returns how long to wait before the next
// attempt, or ErrExhausted.
func (b *Backoff) Next() (time.Duration, error) {
	b.failures++
	d := b.b.NextBackOff()
	if d == backoff.Stop {
		return 0, ErrExhausted
	}
	return d, nil
}

// Reset clears the consecutive failure count after a success.
func (b *Backoff) Reset() {
	b.failures = 0
	b.b.Reset()
}

// Failures returns the number of consecutive failures since the last Reset.
func (b *Backoff) Failures() int { return b.failures }

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
