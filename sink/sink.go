package sink

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

type WriteRequest struct {
	Key         string
	Data        []byte
	ContentType string
	// Records is the number of pipeline events encoded in Data.
	Records int
}

// StreamWriter represents something that can write its contents to a destination writer.
// This avoids allocating function closures in hot paths.
type StreamWriter interface {
	WriteTo(w io.Writer) error
}

type StreamWriteRequest struct {
	Key         string
	ContentType string
	// Writer streams directly to the destination.
	// Implementations must return when done writing.
	Writer StreamWriter
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) error
}

// StreamSinkr is an optional interface implemented by sinks that can stream data directly
// to the destination without buffering the full payload in memory.
type StreamSinkr interface {
	WriteStream(ctx context.Context, req StreamWriteRequest) error
}

// KeyFunc names the object holding one flushed batch.
type KeyFunc func(now time.Time, ext string) string

// DefaultKey partitions objects by UTC date and hour and names each one with
// a random UUID, e.g. "dt=2024-05-01/hour=13/<uuid>.parquet".
func DefaultKey(now time.Time, ext string) string {
	now = now.UTC()
	return "dt=" + now.Format("2006-01-02") + "/hour=" + now.Format("15") + "/" + uuid.NewString() + ext
}
