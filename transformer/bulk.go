package transformer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/baldanca/sqs-ingestor/codec"
	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/source"
)

// Bulk parses the message body with Codec and produces one event per
// embedded record.
type Bulk struct {
	Codec codec.Codec
}

// NewBulk returns a Bulk handler. It panics if c is nil.
func NewBulk(c codec.Codec) Bulk {
	if c == nil {
		panic("transformer: nil codec")
	}
	return Bulk{Codec: c}
}

func (b Bulk) Handle(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error) {
	if b.Codec == nil {
		return nil, errors.New("transformer: bulk handler has no codec")
	}

	var out []*event.Event
	err := b.Codec.Parse(ctx, strings.NewReader(msg.Body), func(rec codec.Record) error {
		e := event.New(rec)
		StampMetadata(e, queueURL, msg)
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transformer: parse message %s: %w", msg.ID, err)
	}
	return out, nil
}
