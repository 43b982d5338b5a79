// Package codec parses message bodies that embed several records.
package codec

import (
	"context"
	"fmt"
	"io"
)

// Record is one decoded record.
type Record = map[string]any

// Codec decodes r and calls fn once per embedded record, in order. Parsing
// stops at the first error returned by fn.
type Codec interface {
	Parse(ctx context.Context, r io.Reader, fn func(Record) error) error
}

// Config selects and configures a codec.
type Config struct {
	Type string `yaml:"type"`

	// KeyName selects a nested array of records in a JSON object body,
	// e.g. "Records" for S3 event notifications.
	KeyName string `yaml:"key_name"`

	// Delimiter and Header configure the csv codec. Without Header the
	// first line is read as the header row.
	Delimiter string   `yaml:"delimiter"`
	Header    []string `yaml:"header"`
}

// New builds the codec described by cfg.
func New(cfg Config) (Codec, error) {
	switch cfg.Type {
	case "json":
		return JSON{KeyName: cfg.KeyName}, nil
	case "ndjson", "newline":
		return NDJSON{}, nil
	case "csv":
		c := CSV{Header: cfg.Header}
		if cfg.Delimiter != "" {
			runes := []rune(cfg.Delimiter)
			if len(runes) != 1 {
				return nil, fmt.Errorf("codec: csv delimiter must be a single character, got %q", cfg.Delimiter)
			}
			c.Delimiter = runes[0]
		}
		return c, nil
	default:
		return nil, fmt.Errorf("codec: unsupported type %q", cfg.Type)
	}
}

func wrapScalar(v any) Record {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return Record{"message": v}
}
