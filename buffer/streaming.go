package buffer

import (
	"context"
	"io"

	"github.com/baldanca/sqs-ingestor/encoder"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/retry"
	"github.com/baldanca/sqs-ingestor/sink"
)

type encodeToWriter struct {
	ctx   context.Context
	se    encoder.StreamEncoder[*event.Event]
	items []*event.Event
}

func (w encodeToWriter) WriteTo(dst io.Writer) error {
	return w.se.EncodeTo(w.ctx, w.items, dst)
}

// tryStreamWrite writes items without buffering the encoded batch when both
// the encoder and the sink support streaming.
func tryStreamWrite(
	ctx context.Context,
	enc encoder.Encoder[*event.Event],
	s sink.Sinkr,
	policy retry.Policy,
	key string,
	items []*event.Event,
) (streamed bool, err error) {
	se, ok := enc.(encoder.StreamEncoder[*event.Event])
	if !ok {
		return false, nil
	}
	ss, ok := s.(sink.StreamSinkr)
	if !ok {
		return false, nil
	}

	req := sink.StreamWriteRequest{
		Key:         key,
		ContentType: contentType(enc.ContentType()),
	}

	err = policy.Do(ctx, func(ctx context.Context) error {
		r := req
		r.Writer = encodeToWriter{ctx: ctx, se: se, items: items}
		return ss.WriteStream(ctx, r)
	})
	return true, err
}
