package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisAPI interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Redis appends each batch as one entry of a Redis stream. The entry holds
// the fields "key", "content_type", "records" and "data".
type Redis struct {
	client redisAPI
	stream string
	maxLen int64
}

// NewRedis returns a stream sink. A positive maxLen trims the stream
// approximately to that many entries on every write.
func NewRedis(client redisAPI, stream string, maxLen int64) *Redis {
	if client == nil {
		panic("redis client is required")
	}
	if stream == "" {
		panic("stream is required")
	}
	return &Redis{client: client, stream: stream, maxLen: maxLen}
}

// NewRedisFromURL connects to the server at url (redis://host:port/db) and
// checks it with PING.
func NewRedisFromURL(ctx context.Context, url, stream string, maxLen int64) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedis(client, stream, maxLen), client, nil
}

func (r *Redis) Write(ctx context.Context, req WriteRequest) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: []any{
			"key", req.Key,
			"content_type", req.ContentType,
			"records", req.Records,
			"data", req.Data,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd stream=%q key=%q: %w", r.stream, req.Key, err)
	}
	return nil
}
