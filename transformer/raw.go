package transformer

import (
	"context"

	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/source"
)

// MessageField is the data field that holds an unparsed body.
const MessageField = "message"

// Raw wraps the whole message body into a single event.
type Raw struct{}

func (Raw) Handle(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := event.New(map[string]any{MessageField: msg.Body})
	StampMetadata(e, queueURL, msg)
	return []*event.Event{e}, nil
}
