// Package config loads the YAML configuration of the sqs-ingestor binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/baldanca/sqs-ingestor/buffer"
	"github.com/baldanca/sqs-ingestor/codec"
	"github.com/baldanca/sqs-ingestor/encoder"
	"github.com/baldanca/sqs-ingestor/ingestor"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/source"
	"github.com/baldanca/sqs-ingestor/transformer"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

const (
	SinkS3     = "s3"
	SinkRedis  = "redis"
	SinkKafka  = "kafka"
	SinkStdout = "stdout"
)

type Config struct {
	// Acknowledgments defers message deletion until events reach the sink.
	Acknowledgments bool          `yaml:"acknowledgments"`
	BufferTimeout   time.Duration `yaml:"buffer_timeout"`

	AWS     AWS            `yaml:"aws"`
	Queues  []Queue        `yaml:"queues"`
	Backoff Backoff        `yaml:"backoff"`
	Buffer  buffer.Config  `yaml:"buffer"`
	Encoder encoder.Config `yaml:"encoder"`
	Sink    Sink           `yaml:"sink"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ForceTimeout    time.Duration `yaml:"force_timeout"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Health  Health  `yaml:"health"`
}

type AWS struct {
	Region        string `yaml:"region"`
	STSRoleARN    string `yaml:"sts_role_arn"`
	STSExternalID string `yaml:"sts_external_id"`
	Endpoint      string `yaml:"endpoint"`
}

func (a AWS) Source() source.AWSConfig {
	return source.AWSConfig{
		Region:        a.Region,
		STSRoleARN:    a.STSRoleARN,
		STSExternalID: a.STSExternalID,
		Endpoint:      a.Endpoint,
	}
}

// Queue holds the per-queue settings. Unset fields keep the defaults of
// ingestor.NewQueueConfig.
type Queue struct {
	URL             string         `yaml:"url"`
	Workers         *int           `yaml:"workers"`
	MaximumMessages *int32         `yaml:"maximum_messages"`
	BatchSize       *int           `yaml:"batch_size"`
	PollDelay       *time.Duration `yaml:"poll_delay"`
	// PollingFrequency is the former name of PollDelay.
	PollingFrequency *time.Duration `yaml:"polling_frequency"`

	VisibilityTimeout                    *time.Duration `yaml:"visibility_timeout"`
	VisibilityDuplicateProtection        bool           `yaml:"visibility_duplicate_protection"`
	VisibilityDuplicateProtectionTimeout *time.Duration `yaml:"visibility_duplicate_protection_timeout"`
	WaitTime                             *time.Duration `yaml:"wait_time"`

	// VisibilityDuplicationProtection is accepted as a misspelled alias of
	// VisibilityDuplicateProtection.
	VisibilityDuplicationProtection bool `yaml:"visibility_duplication_protection"`

	// Codec splits each message body into several events. Without it every
	// message becomes one event.
	Codec *codec.Config `yaml:"codec"`
}

// QueueConfig merges q over the defaults.
func (q Queue) QueueConfig() ingestor.QueueConfig {
	c := ingestor.NewQueueConfig(q.URL)
	if q.Workers != nil {
		c.Workers = *q.Workers
	}
	if q.MaximumMessages != nil {
		c.MaximumMessages = *q.MaximumMessages
	}
	if q.BatchSize != nil {
		c.BatchSize = *q.BatchSize
	}
	switch {
	case q.PollDelay != nil:
		c.PollDelay = *q.PollDelay
	case q.PollingFrequency != nil:
		c.PollDelay = *q.PollingFrequency
	}
	if q.VisibilityTimeout != nil {
		c.VisibilityTimeout = *q.VisibilityTimeout
	}
	c.VisibilityDuplicateProtection = q.VisibilityDuplicateProtection || q.VisibilityDuplicationProtection
	if q.VisibilityDuplicateProtectionTimeout != nil {
		c.VisibilityDuplicateProtectionTimeout = *q.VisibilityDuplicateProtectionTimeout
	}
	if q.WaitTime != nil {
		c.WaitTime = *q.WaitTime
	}
	return c
}

// Handler returns the message handler of q.
func (q Queue) Handler() (transformer.Handler, error) {
	if q.Codec == nil {
		return transformer.Raw{}, nil
	}
	c, err := codec.New(*q.Codec)
	if err != nil {
		return nil, err
	}
	return transformer.NewBulk(c), nil
}

type Backoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       *float64      `yaml:"jitter"`
	// MaxAttempts stops a worker after that many consecutive failures.
	// Zero retries forever.
	MaxAttempts int           `yaml:"max_attempts"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
}

func (b Backoff) Policy() retry.BackoffPolicy {
	p := retry.DefaultBackoffPolicy
	if b.InitialDelay > 0 {
		p.InitialDelay = b.InitialDelay
	}
	if b.MaxDelay > 0 {
		p.MaxDelay = b.MaxDelay
	}
	if b.Jitter != nil {
		p.Jitter = *b.Jitter
	}
	p.MaxAttempts = b.MaxAttempts
	p.MaxElapsed = b.MaxElapsed
	return p
}

type Sink struct {
	Type  string      `yaml:"type"`
	S3    S3Sink      `yaml:"s3"`
	Redis RedisSink   `yaml:"redis"`
	Kafka KafkaSink   `yaml:"kafka"`
	Retry RetryConfig `yaml:"retry"`
}

type S3Sink struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

type RedisSink struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    bool          `yaml:"jitter"`
}

// Policy returns the sink write retry policy. A single attempt means no
// retries.
func (r RetryConfig) Policy() retry.Policy {
	if r.Attempts <= 1 {
		return retry.Nop{}
	}
	return retry.SimpleRetry{
		Attempts:  r.Attempts,
		BaseDelay: r.BaseDelay,
		MaxDelay:  r.MaxDelay,
		Jitter:    r.Jitter,
	}
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel parses Level, defaulting to info.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
	return lvl, nil
}

type Metrics struct {
	// Endpoint of an OTLP/HTTP collector. Metrics are disabled when empty.
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

type Health struct {
	// Addr serves /healthz when set, e.g. ":8080".
	Addr string `yaml:"addr"`
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse expands ${VAR} references in b, decodes it and validates the result.
// Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(b))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if seen[q.URL] {
			return fmt.Errorf("%w: queue %s configured twice", ErrInvalid, q.URL)
		}
		seen[q.URL] = true

		if err := q.QueueConfig().Validate(); err != nil {
			return fmt.Errorf("%w: queues[%d]: %w", ErrInvalid, i, err)
		}
		if _, err := q.Handler(); err != nil {
			return fmt.Errorf("%w: queues[%d]: %w", ErrInvalid, i, err)
		}
	}

	if c.BufferTimeout < 0 {
		return fmt.Errorf("%w: buffer_timeout must be >= 0", ErrInvalid)
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 || c.Backoff.MaxAttempts < 0 || c.Backoff.MaxElapsed < 0 {
		return fmt.Errorf("%w: backoff values must be >= 0", ErrInvalid)
	}
	if j := c.Backoff.Jitter; j != nil && (*j < 0 || *j >= 1) {
		return fmt.Errorf("%w: backoff jitter must be in [0, 1)", ErrInvalid)
	}
	if _, err := encoder.New(c.Encoder); err != nil {
		return fmt.Errorf("%w: encoder: %w", ErrInvalid, err)
	}
	if err := c.Sink.validate(); err != nil {
		return err
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

func (s Sink) validate() error {
	switch s.Type {
	case SinkS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("%w: sink.s3.bucket is required", ErrInvalid)
		}
	case SinkRedis:
		if s.Redis.URL == "" || s.Redis.Stream == "" {
			return fmt.Errorf("%w: sink.redis.url and sink.redis.stream are required", ErrInvalid)
		}
	case SinkKafka:
		if len(s.Kafka.Brokers) == 0 || s.Kafka.Topic == "" {
			return fmt.Errorf("%w: sink.kafka.brokers and sink.kafka.topic are required", ErrInvalid)
		}
	case SinkStdout:
	case "":
		return fmt.Errorf("%w: sink.type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unsupported sink type %q", ErrInvalid, s.Type)
	}
	if s.Retry.Attempts < 0 {
		return fmt.Errorf("%w: sink.retry.attempts must be >= 0", ErrInvalid)
	}
	return nil
}

// QueueConfigs returns the merged configuration of every queue.
func (c *Config) QueueConfigs() []ingestor.QueueConfig {
	out := make([]ingestor.QueueConfig, len(c.Queues))
	for i, q := range c.Queues {
		out[i] = q.QueueConfig()
	}
	return out
}

// Source returns the options shared by every queue.
func (c *Config) Source() ingestor.SourceOptions {
	return ingestor.SourceOptions{
		Acknowledgements: c.Acknowledgments,
		BufferTimeout:    c.BufferTimeout,
	}
}

// Summary writes one line per queue, as printed by the validate command.
func (c *Config) Summary(w io.Writer) error {
	var buf bytes.Buffer
	for _, q := range c.QueueConfigs() {
		fmt.Fprintf(&buf, "%s workers=%d max_messages=%d batch_size=%d visibility=%s duplicate_protection=%t wait=%s poll_delay=%s\n",
			q.URL, q.Workers, q.MaximumMessages, q.BatchSize, q.VisibilityTimeout,
			q.VisibilityDuplicateProtection, q.WaitTime, q.PollDelay)
	}
	fmt.Fprintf(&buf, "sink=%s encoder=%s acknowledgments=%t\n", c.Sink.Type, encoderName(c.Encoder), c.Acknowledgments)
	_, err := w.Write(buf.Bytes())
	return err
}

func encoderName(e encoder.Config) string {
	if e.Type == "" {
		return "ndjson"
	}
	return e.Type
}
