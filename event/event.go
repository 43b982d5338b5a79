// Package event defines the pipeline record produced from a queue message.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is notified once the downstream outcome of an event is known.
//
// The acknowledgement package installs handles on events it tracks; events
// without a handle are released silently.
type Handle interface {
	Release(e *Event, ok bool)
}

// Event is one record flowing through the pipeline.
//
// Data holds the record fields. Metadata holds attributes describing where the
// record came from (queue URL, message attributes) and is never encoded into
// the record body itself.
type Event struct {
	id         string
	receivedAt time.Time

	mu       sync.RWMutex
	data     map[string]any
	metadata map[string]any

	handle   Handle
	released sync.Once
}

// New returns an event holding data. A nil map is replaced by an empty one.
func New(data map[string]any) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{
		id:         uuid.NewString(),
		receivedAt: time.Now().UTC(),
		data:       data,
		metadata:   make(map[string]any),
	}
}

func (e *Event) ID() string            { return e.id }
func (e *Event) ReceivedAt() time.Time { return e.receivedAt }

// Get returns the value of a data field.
func (e *Event) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

// Put sets a data field.
func (e *Event) Put(key string, v any) {
	e.mu.Lock()
	e.data[key] = v
	e.mu.Unlock()
}

// Data returns a shallow copy of the data fields.
func (e *Event) Data() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.data))
	for k, v := range e.data {
		out[k] = v
	}
	return out
}

// SetMetadata sets a metadata attribute.
func (e *Event) SetMetadata(key string, v any) {
	e.mu.Lock()
	e.metadata[key] = v
	e.mu.Unlock()
}

// GetMetadata returns a metadata attribute.
func (e *Event) GetMetadata(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.metadata[key]
	return v, ok
}

// Metadata returns a shallow copy of the metadata attributes.
func (e *Event) Metadata() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

// SetHandle attaches the handle that is notified on Release.
func (e *Event) SetHandle(h Handle) {
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
}

// Release reports the downstream outcome of the event. Only the first call
// has an effect.
func (e *Event) Release(ok bool) {
	e.released.Do(func() {
		e.mu.RLock()
		h := e.handle
		e.mu.RUnlock()
		if h != nil {
			h.Release(e, ok)
		}
	})
}

// MarshalJSON encodes the data fields.
func (e *Event) MarshalJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(e.data)
}

// EstimatedSizeBytes approximates the encoded size of the event.
func (e *Event) EstimatedSizeBytes() int64 {
	b, err := e.MarshalJSON()
	if err != nil {
		return 0
	}
	return int64(len(b))
}
