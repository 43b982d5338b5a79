package transformer

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/baldanca/sqs-ingestor/event"
	"github.com/baldanca/sqs-ingestor/source"
)

// MetadataQueueURL is the metadata key holding the URL of the source queue.
const MetadataQueueURL = "queueUrl"

// Handler converts one queue message into pipeline events.
//
// Every returned event carries the message metadata: the queue URL, the
// system attributes and the custom message attributes, keyed by their names
// with a lower-cased first letter.
type Handler interface {
	Handle(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error)

func (f HandlerFunc) Handle(ctx context.Context, queueURL string, msg source.Message) ([]*event.Event, error) {
	return f(ctx, queueURL, msg)
}

// StampMetadata copies the message metadata onto e.
func StampMetadata(e *event.Event, queueURL string, msg source.Message) {
	e.SetMetadata(MetadataQueueURL, queueURL)
	for k, v := range msg.Attributes {
		e.SetMetadata(lowerFirst(k), v)
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != "" || v.BinaryValue == nil {
			e.SetMetadata(lowerFirst(k), v.StringValue)
			continue
		}
		e.SetMetadata(lowerFirst(k), base64.StdEncoding.EncodeToString(v.BinaryValue))
	}
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteRune(unicode.ToLower(r))
	b.WriteString(s[size:])
	return b.String()
}
