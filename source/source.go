package source

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// MessageAttribute is a custom attribute attached to a queue message.
type MessageAttribute struct {
	DataType    string
	StringValue string
	BinaryValue []byte
}

// Message is one record received from a queue.
//
// The receipt handle is a capability token: it is required to delete the
// message or change its visibility, and it stops being valid once the message
// becomes visible again.
type Message struct {
	ID                string
	ReceiptHandle     string
	Body              string
	Attributes        map[string]string
	MessageAttributes map[string]MessageAttribute
}

// DeleteEntry returns the entry used to delete m in a batch.
func (m Message) DeleteEntry() DeleteEntry {
	return DeleteEntry{ID: m.ID, ReceiptHandle: m.ReceiptHandle}
}

// SentTimestamp returns the time the queue accepted the message, when the
// SentTimestamp system attribute is present.
func (m Message) SentTimestamp() (time.Time, bool) {
	raw, ok := m.Attributes["SentTimestamp"]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// EstimatedSizeBytes returns the body length.
func (m Message) EstimatedSizeBytes() int64 {
	return int64(len(m.Body))
}

// DeleteEntry identifies a message to remove in a DeleteMessageBatch call.
type DeleteEntry struct {
	ID            string
	ReceiptHandle string
}

// DeleteResult reports the per-entry outcome of a batch delete.
type DeleteResult struct {
	Successful []string
	Failed     []string
}

// Deleter removes messages from a queue in batches of at most MaxBatchSize.
type Deleter interface {
	DeleteMessageBatch(ctx context.Context, queueURL string, entries []DeleteEntry) (DeleteResult, error)
}

// DeleteBatch accumulates delete entries for one queue and commits them
// together. Entries are keyed by message ID; adding the same ID again keeps
// its position and replaces the receipt handle, since only the most recent
// handle of a redelivered message is valid.
type DeleteBatch struct {
	// Size caps the number of entries per DeleteMessageBatch call. Values
	// outside [1, MaxBatchSize] mean MaxBatchSize.
	Size int

	entries []DeleteEntry
	seen    map[string]int
}

// Add appends e and reports true. For an ID already present it only updates
// the receipt handle and reports false.
func (b *DeleteBatch) Add(e DeleteEntry) bool {
	if b.seen == nil {
		b.seen = make(map[string]int)
	}
	if i, dup := b.seen[e.ID]; dup {
		b.entries[i].ReceiptHandle = e.ReceiptHandle
		return false
	}
	b.seen[e.ID] = len(b.entries)
	b.entries = append(b.entries, e)
	return true
}

// Len returns the number of pending entries.
func (b *DeleteBatch) Len() int { return len(b.entries) }

// Entries exposes the pending entries.
func (b *DeleteBatch) Entries() []DeleteEntry { return b.entries }

// Commit deletes the pending entries using d, one call per chunk of Size.
//
// A chunk whose call fails outright has all of its entries reported as
// failed; the remaining chunks are still attempted. The returned error joins
// the transport errors of every failed call.
func (b *DeleteBatch) Commit(ctx context.Context, d Deleter, queueURL string) (DeleteResult, error) {
	var res DeleteResult
	if len(b.entries) == 0 {
		return res, nil
	}

	size := b.Size
	if size < 1 || size > MaxBatchSize {
		size = MaxBatchSize
	}

	var errs []error
	for i := 0; i < len(b.entries); i += size {
		end := i + size
		if end > len(b.entries) {
			end = len(b.entries)
		}
		chunk := b.entries[i:end]

		out, err := d.DeleteMessageBatch(ctx, queueURL, chunk)
		if err != nil {
			errs = append(errs, err)
			for _, e := range chunk {
				res.Failed = append(res.Failed, e.ID)
			}
			continue
		}
		res.Successful = append(res.Successful, out.Successful...)
		res.Failed = append(res.Failed, out.Failed...)
	}
	return res, errors.Join(errs...)
}

// Clear resets the batch and releases references to entries.
func (b *DeleteBatch) Clear() {
	b.entries = b.entries[:0]
	for k := range b.seen {
		delete(b.seen, k)
	}
}
