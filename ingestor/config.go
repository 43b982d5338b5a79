package ingestor

import (
	"errors"
	"fmt"
	"time"

	"github.com/baldanca/sqs-ingestor/source"
)

// ErrInvalidConfig is wrapped by every configuration validation error.
var ErrInvalidConfig = errors.New("ingestor: invalid configuration")

const (
	MaxVisibilityTimeout       = 12 * time.Hour
	MinDuplicateProtection     = 30 * time.Second
	MaxDuplicateProtection     = 24 * time.Hour
	MaxWaitTime                = 20 * time.Second
	DefaultVisibilityTimeout   = 30 * time.Second
	DefaultDuplicateProtection = 2 * time.Hour
)

// QueueConfig is the immutable configuration of one polled queue.
type QueueConfig struct {
	URL string

	// Workers is the number of concurrent polling loops.
	Workers int

	// MaximumMessages is requested on every receive call.
	MaximumMessages int32

	// BatchSize caps the entries of each DeleteMessageBatch call.
	BatchSize int

	// PollDelay is slept after an iteration that received messages.
	PollDelay time.Duration

	VisibilityTimeout time.Duration

	// VisibilityDuplicateProtection extends the visibility of messages whose
	// acknowledgement is still pending, up to
	// VisibilityDuplicateProtectionTimeout in total.
	VisibilityDuplicateProtection        bool
	VisibilityDuplicateProtectionTimeout time.Duration

	// WaitTime is the long-poll duration of receive calls.
	WaitTime time.Duration
}

// NewQueueConfig returns the default configuration for the queue at url.
func NewQueueConfig(url string) QueueConfig {
	return QueueConfig{
		URL:                                  url,
		Workers:                              1,
		MaximumMessages:                      source.MaxBatchSize,
		BatchSize:                            source.MaxBatchSize,
		VisibilityTimeout:                    DefaultVisibilityTimeout,
		VisibilityDuplicateProtectionTimeout: DefaultDuplicateProtection,
		WaitTime:                             MaxWaitTime,
	}
}

func (c QueueConfig) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("%w: queue url is required", ErrInvalidConfig)
	case c.Workers < 1:
		return c.invalid("workers must be >= 1, got %d", c.Workers)
	case c.MaximumMessages < 1 || c.MaximumMessages > source.MaxBatchSize:
		return c.invalid("maximum_messages must be in [1, %d], got %d", source.MaxBatchSize, c.MaximumMessages)
	case c.BatchSize < 1 || c.BatchSize > source.MaxBatchSize:
		return c.invalid("batch_size must be in [1, %d], got %d", source.MaxBatchSize, c.BatchSize)
	case c.PollDelay < 0:
		return c.invalid("poll_delay must be >= 0, got %s", c.PollDelay)
	case c.VisibilityTimeout < 0 || c.VisibilityTimeout > MaxVisibilityTimeout:
		return c.invalid("visibility_timeout must be in [0s, %s], got %s", MaxVisibilityTimeout, c.VisibilityTimeout)
	case c.VisibilityDuplicateProtectionTimeout < MinDuplicateProtection || c.VisibilityDuplicateProtectionTimeout > MaxDuplicateProtection:
		return c.invalid("visibility_duplicate_protection_timeout must be in [%s, %s], got %s",
			MinDuplicateProtection, MaxDuplicateProtection, c.VisibilityDuplicateProtectionTimeout)
	case c.WaitTime < 0 || c.WaitTime > MaxWaitTime:
		return c.invalid("wait_time must be in [0s, %s], got %s", MaxWaitTime, c.WaitTime)
	case c.VisibilityDuplicateProtection && c.VisibilityTimeout > c.VisibilityDuplicateProtectionTimeout:
		return c.invalid("visibility_timeout %s exceeds visibility_duplicate_protection_timeout %s",
			c.VisibilityTimeout, c.VisibilityDuplicateProtectionTimeout)
	}
	return nil
}

func (c QueueConfig) invalid(format string, args ...any) error {
	return fmt.Errorf("%w: queue %s: %s", ErrInvalidConfig, c.URL, fmt.Sprintf(format, args...))
}

func (c QueueConfig) receiveRequest() source.ReceiveRequest {
	return source.ReceiveRequest{
		MaxMessages:       c.MaximumMessages,
		VisibilityTimeout: seconds(c.VisibilityTimeout),
		WaitTime:          seconds(c.WaitTime),
	}
}

// ackExpiry is how long an acknowledgement set may stay pending.
func (c QueueConfig) ackExpiry() time.Duration {
	if c.VisibilityDuplicateProtection {
		return c.VisibilityDuplicateProtectionTimeout
	}
	d := c.VisibilityTimeout - 2*time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

// progressInterval is how often a pending message's lease is extended.
func (c QueueConfig) progressInterval() time.Duration {
	d := c.VisibilityTimeout/2 - time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

func seconds(d time.Duration) int32 {
	return int32(d / time.Second)
}

// SourceOptions configure behavior shared by every queue.
type SourceOptions struct {
	// Acknowledgements defers deletion until the buffered events are
	// written downstream.
	Acknowledgements bool

	// BufferTimeout bounds a single buffer write.
	BufferTimeout time.Duration
}

// DefaultBufferTimeout applies when SourceOptions.BufferTimeout is zero.
const DefaultBufferTimeout = 10 * time.Second
