package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baldanca/sqs-ingestor/ingestor"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/transformer"
)

const fullConfig = `
acknowledgments: true
buffer_timeout: 15s
aws:
  region: us-east-1
  sts_role_arn: arn:aws:iam::123456789012:role/ingest
queues:
  - url: https://sqs.us-east-1.amazonaws.com/123456789012/a
    workers: 4
    maximum_messages: 5
    polling_frequency: 2s
    visibility_timeout: 1m
    visibility_duplicate_protection: true
    visibility_duplicate_protection_timeout: 1h
    wait_time: 0s
    codec:
      type: json
      key_name: Records
  - url: https://sqs.us-east-1.amazonaws.com/123456789012/b
backoff:
  initial_delay: 1s
  max_attempts: 10
buffer:
  batch_size: 500
  flush_interval: 30s
encoder:
  type: parquet
  compression: zstd
sink:
  type: s3
  s3:
    bucket: ${TEST_BUCKET}
    prefix: raw/
  retry:
    attempts: 3
    base_delay: 100ms
log:
  level: debug
  format: text
`

func TestParse(t *testing.T) {
	t.Run("will decode every section and expand the environment", func(t *testing.T) {
		t.Setenv("TEST_BUCKET", "events")

		cfg, err := Parse([]byte(fullConfig))
		require.NoError(t, err)

		require.True(t, cfg.Acknowledgments)
		require.Equal(t, 15*time.Second, cfg.BufferTimeout)
		require.Equal(t, "events", cfg.Sink.S3.Bucket)
		require.Equal(t, "arn:aws:iam::123456789012:role/ingest", cfg.AWS.Source().STSRoleARN)
		require.Equal(t, 500, cfg.Buffer.BatchSize)
		require.Equal(t, "zstd", cfg.Encoder.Compression)

		queues := cfg.QueueConfigs()
		require.Len(t, queues, 2)

		a := queues[0]
		require.Equal(t, 4, a.Workers)
		require.Equal(t, int32(5), a.MaximumMessages)
		require.Equal(t, 2*time.Second, a.PollDelay)
		require.Equal(t, time.Minute, a.VisibilityTimeout)
		require.True(t, a.VisibilityDuplicateProtection)
		require.Equal(t, time.Hour, a.VisibilityDuplicateProtectionTimeout)
		require.Zero(t, a.WaitTime)

		require.Equal(t, ingestor.NewQueueConfig("https://sqs.us-east-1.amazonaws.com/123456789012/b"), queues[1])

		src := cfg.Source()
		require.True(t, src.Acknowledgements)
		require.Equal(t, 15*time.Second, src.BufferTimeout)
	})

	t.Run("will pick handlers from the queue codec", func(t *testing.T) {
		t.Setenv("TEST_BUCKET", "events")

		cfg, err := Parse([]byte(fullConfig))
		require.NoError(t, err)

		h, err := cfg.Queues[0].Handler()
		require.NoError(t, err)
		require.IsType(t, transformer.Bulk{}, h)

		h, err = cfg.Queues[1].Handler()
		require.NoError(t, err)
		require.Equal(t, transformer.Raw{}, h)
	})

	t.Run("will prefer poll_delay over polling_frequency", func(t *testing.T) {
		cfg, err := Parse([]byte(`
queues:
  - url: q
    poll_delay: 3s
    polling_frequency: 9s
sink:
  type: stdout
`))
		require.NoError(t, err)
		require.Equal(t, 3*time.Second, cfg.QueueConfigs()[0].PollDelay)
	})

	t.Run("will accept the duplication protection alias", func(t *testing.T) {
		cfg, err := Parse([]byte(`
queues:
  - url: q
    visibility_duplication_protection: true
sink:
  type: stdout
`))
		require.NoError(t, err)
		require.True(t, cfg.QueueConfigs()[0].VisibilityDuplicateProtection)
	})

	t.Run("will reject unknown keys", func(t *testing.T) {
		_, err := Parse([]byte(`
queues:
  - url: q
    max_messages: 3
sink:
  type: stdout
`))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no queues", yaml: "sink: {type: stdout}"},
		{name: "duplicate queue", yaml: "queues: [{url: q}, {url: q}]\nsink: {type: stdout}"},
		{name: "queue out of range", yaml: "queues: [{url: q, maximum_messages: 11}]\nsink: {type: stdout}"},
		{name: "visibility above protection cap", yaml: "queues: [{url: q, visibility_timeout: 2h, visibility_duplicate_protection: true, visibility_duplicate_protection_timeout: 1h}]\nsink: {type: stdout}"},
		{name: "unknown codec", yaml: "queues: [{url: q, codec: {type: xml}}]\nsink: {type: stdout}"},
		{name: "missing sink", yaml: "queues: [{url: q}]"},
		{name: "unknown sink", yaml: "queues: [{url: q}]\nsink: {type: ftp}"},
		{name: "s3 without bucket", yaml: "queues: [{url: q}]\nsink: {type: s3}"},
		{name: "redis without stream", yaml: "queues: [{url: q}]\nsink: {type: redis, redis: {url: 'redis://localhost:6379'}}"},
		{name: "kafka without brokers", yaml: "queues: [{url: q}]\nsink: {type: kafka, kafka: {topic: t}}"},
		{name: "unknown encoder", yaml: "queues: [{url: q}]\nsink: {type: stdout}\nencoder: {type: avro}"},
		{name: "bad compression", yaml: "queues: [{url: q}]\nsink: {type: stdout}\nencoder: {type: parquet, compression: lzma}"},
		{name: "jitter out of range", yaml: "queues: [{url: q}]\nsink: {type: stdout}\nbackoff: {jitter: 1.5}"},
		{name: "bad log level", yaml: "queues: [{url: q}]\nsink: {type: stdout}\nlog: {level: loud}"},
		{name: "bad log format", yaml: "queues: [{url: q}]\nsink: {type: stdout}\nlog: {format: xml}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("will surface queue errors as invalid configuration", func(t *testing.T) {
		_, err := Parse([]byte("queues: [{url: q, workers: 0}]\nsink: {type: stdout}"))
		require.ErrorIs(t, err, ingestor.ErrInvalidConfig)
	})
}

func TestLoad(t *testing.T) {
	t.Run("will read the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queues: [{url: q}]\nsink: {type: stdout}"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.Len(t, cfg.Queues, 1)
	})

	t.Run("will fail on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
}

func TestPolicies(t *testing.T) {
	t.Run("will keep default backoff values that are unset", func(t *testing.T) {
		p := Backoff{MaxAttempts: 3}.Policy()
		require.Equal(t, retry.DefaultBackoffPolicy.InitialDelay, p.InitialDelay)
		require.Equal(t, retry.DefaultBackoffPolicy.Jitter, p.Jitter)
		require.Equal(t, 3, p.MaxAttempts)

		zero := 0.0
		require.Zero(t, Backoff{Jitter: &zero}.Policy().Jitter)
	})

	t.Run("will only retry sink writes when more than one attempt is configured", func(t *testing.T) {
		require.Equal(t, retry.Nop{}, RetryConfig{Attempts: 1}.Policy())
		require.Equal(t, retry.SimpleRetry{Attempts: 3, BaseDelay: time.Second}, RetryConfig{Attempts: 3, BaseDelay: time.Second}.Policy())
	})
}

func TestSummary(t *testing.T) {
	cfg, err := Parse([]byte("queues: [{url: q, workers: 3}]\nsink: {type: stdout}"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Summary(&buf))
	require.Contains(t, buf.String(), "q workers=3")
	require.Contains(t, buf.String(), "sink=stdout encoder=ndjson")
}
