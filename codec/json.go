package codec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSON decodes a JSON body.
//
// A top-level array yields one record per element. A top-level object yields
// itself, or each element of the array under KeyName when KeyName is set.
// Non-object elements are wrapped as {"message": value}.
type JSON struct {
	KeyName string
}

func (c JSON) Parse(ctx context.Context, r io.Reader, fn func(Record) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("codec: decode json: %w", err)
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		if c.KeyName == "" {
			return fn(v)
		}
		nested, ok := v[c.KeyName]
		if !ok {
			return fmt.Errorf("codec: key %q not found in json object", c.KeyName)
		}
		arr, ok := nested.([]any)
		if !ok {
			return fmt.Errorf("codec: key %q is not a json array", c.KeyName)
		}
		items = arr
	default:
		return fn(wrapScalar(v))
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(wrapScalar(item)); err != nil {
			return err
		}
	}
	return nil
}

// NDJSON decodes one JSON value per line. Blank lines are skipped.
type NDJSON struct{}

func (NDJSON) Parse(ctx context.Context, r io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(r)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, readErr := br.ReadBytes('\n')
		if len(trimSpace(raw)) > 0 {
			line++
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("codec: decode ndjson line %d: %w", line, err)
			}
			if err := fn(wrapScalar(v)); err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
