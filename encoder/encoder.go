package encoder

import (
	"context"
	"fmt"
	"io"

	"github.com/baldanca/sqs-ingestor/event"
)

// Encoder converts a slice of typed records into a binary payload.
//
// Implementations must be safe for concurrent use unless documented otherwise.
type Encoder[iType any] interface {
	Encode(ctx context.Context, items []iType) (data []byte, err error)
	FileExtension() string
	ContentType() string
}

// StreamEncoder is an optional interface for encoders that can write directly
// to an io.Writer to avoid buffering the full output in memory.
type StreamEncoder[iType any] interface {
	EncodeTo(ctx context.Context, items []iType, w io.Writer) error
	FileExtension() string
	ContentType() string
}

// Config selects the batch encoding for pipeline events.
type Config struct {
	// Type is "ndjson" (default) or "parquet".
	Type string `yaml:"type"`
	// Compression applies to parquet only: "", "snappy", "gzip", "zstd".
	Compression string `yaml:"compression"`
}

// New returns the event encoder described by cfg.
func New(cfg Config) (Encoder[*event.Event], error) {
	switch cfg.Type {
	case "", "ndjson":
		return NDJSONEncoder[*event.Event]{}, nil
	case "parquet":
		if err := validCompression(cfg.Compression); err != nil {
			return nil, err
		}
		return EventParquetEncoder{Compression: cfg.Compression}, nil
	default:
		return nil, fmt.Errorf("unsupported encoder type: %q", cfg.Type)
	}
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
