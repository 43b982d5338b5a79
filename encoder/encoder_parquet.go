package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/baldanca/sqs-ingestor/event"
)

const parquetContentType = "application/vnd.apache.parquet"

type ParquetEncoder[iType any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

func (e ParquetEncoder[iType]) FileExtension() string { return ".parquet" }
func (e ParquetEncoder[iType]) ContentType() string   { return parquetContentType }

func (e ParquetEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	options, err := compressionOptions(e.Compression)
	if err != nil {
		return nil, err
	}

	output := &bytes.Buffer{}
	w := parquet.NewGenericWriter[iType](output, options...)

	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}

func validCompression(c string) error {
	_, err := compressionOptions(c)
	return err
}

func compressionOptions(c string) ([]parquet.WriterOption, error) {
	switch c {
	case "":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", c)
	}
}

// EventRow is the parquet layout of a pipeline event. Data and metadata are
// stored as JSON documents since their fields vary per queue.
type EventRow struct {
	ID           string `parquet:"id"`
	ReceivedAtMs int64  `parquet:"received_at_ms"`
	Data         string `parquet:"data"`
	Metadata     string `parquet:"metadata"`
}

// NewEventRow flattens e into a parquet row.
func NewEventRow(e *event.Event) (EventRow, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return EventRow{}, fmt.Errorf("encode event %s data: %w", e.ID(), err)
	}
	md, err := json.Marshal(e.Metadata())
	if err != nil {
		return EventRow{}, fmt.Errorf("encode event %s metadata: %w", e.ID(), err)
	}
	return EventRow{
		ID:           e.ID(),
		ReceivedAtMs: e.ReceivedAt().UnixMilli(),
		Data:         string(data),
		Metadata:     string(md),
	}, nil
}

// EventParquetEncoder encodes pipeline events as EventRow records.
type EventParquetEncoder struct {
	Compression string
}

func (EventParquetEncoder) FileExtension() string { return ".parquet" }
func (EventParquetEncoder) ContentType() string   { return parquetContentType }

func (e EventParquetEncoder) Encode(ctx context.Context, items []*event.Event) ([]byte, error) {
	rows := make([]EventRow, 0, len(items))
	for _, ev := range items {
		row, err := NewEventRow(ev)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return ParquetEncoder[EventRow]{Compression: e.Compression}.Encode(ctx, rows)
}
