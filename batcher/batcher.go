// Package batcher accumulates items until a size, count or age threshold is
// reached.
package batcher

import (
	"errors"
	"time"
)

// BatcherConfig bounds a batch.
type BatcherConfig struct {
	// MaxEstimatedInputBytes flushes once the summed item sizes reach it.
	MaxEstimatedInputBytes int64
	// MaxItems flushes once the batch holds that many items. Zero disables
	// the count threshold.
	MaxItems int
	// FlushInterval is the maximum age of a batch, measured from its first
	// item.
	FlushInterval time.Duration
	// ReuseBuffers keeps two item slices and alternates between them. A
	// flushed batch is then only valid until the following Flush.
	ReuseBuffers bool
}

var DefaultBatcherConfig = BatcherConfig{
	MaxEstimatedInputBytes: 5 * 1024 * 1024,
	MaxItems:               1000,
	FlushInterval:          time.Minute,
}

func (c BatcherConfig) validate() error {
	if c.MaxEstimatedInputBytes <= 0 {
		return errors.New("batcher: MaxEstimatedInputBytes must be > 0")
	}
	if c.FlushInterval <= 0 {
		return errors.New("batcher: FlushInterval must be > 0")
	}
	if c.MaxItems < 0 {
		return errors.New("batcher: MaxItems must be >= 0")
	}
	return nil
}

// Batcher is not safe for concurrent use.
type Batcher[T any] struct {
	cfg BatcherConfig

	items      []T
	spareItems []T
	bytes      int64

	deadline time.Time
	active   bool
}

func NewBatcher[T any](cfg BatcherConfig) (*Batcher[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher[T]{cfg: cfg}
	if cfg.ReuseBuffers {
		n := cfg.MaxItems
		if n <= 0 {
			n = 64
		}
		b.items = make([]T, 0, n)
		b.spareItems = make([]T, 0, n)
	}
	return b, nil
}

// Add appends item and reports whether the batch should be flushed now.
// Negative sizes count as zero.
func (b *Batcher[T]) Add(now time.Time, item T, sizeBytes int64) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.FlushInterval)
	}
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	b.items = append(b.items, item)
	b.bytes += sizeBytes

	if b.bytes >= b.cfg.MaxEstimatedInputBytes {
		return true
	}
	return b.cfg.MaxItems > 0 && len(b.items) >= b.cfg.MaxItems
}

// Len returns the number of pending items.
func (b *Batcher[T]) Len() int { return len(b.items) }

func (b *Batcher[T]) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

func (b *Batcher[T]) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

type Batch[T any] struct {
	Items []T
	Bytes int64
}

// Flush returns the pending items and starts a new batch.
func (b *Batcher[T]) Flush() Batch[T] {
	out := Batch[T]{
		Items: b.items,
		Bytes: b.bytes,
	}

	if b.cfg.ReuseBuffers {
		b.items, b.spareItems = b.spareItems[:0], b.items
	} else {
		b.items = nil
	}
	b.bytes = 0
	b.active = false
	b.deadline = time.Time{}

	return out
}
