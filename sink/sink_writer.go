package sink

import (
	"context"
	"io"
	"sync"
)

// Writer copies every batch to an io.Writer, one after the other. It is
// mostly useful with os.Stdout while developing a pipeline.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	if w == nil {
		panic("writer is required")
	}
	return &Writer{w: w}
}

func (s *Writer) Write(ctx context.Context, req WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(req.Data)
	return err
}

func (s *Writer) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return req.Writer.WriteTo(s.w)
}
