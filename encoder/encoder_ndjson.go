package encoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
)

// NDJSONEncoder writes one JSON document per line.
type NDJSONEncoder[iType any] struct{}

func (NDJSONEncoder[iType]) FileExtension() string { return ".ndjson" }
func (NDJSONEncoder[iType]) ContentType() string   { return "application/x-ndjson" }

func (e NDJSONEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.EncodeTo(ctx, items, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (NDJSONEncoder[iType]) EncodeTo(ctx context.Context, items []iType, w io.Writer) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range items {
		// Encode terminates each document with '\n'.
		if err := enc.Encode(items[i]); err != nil {
			return err
		}
		if i%256 == 255 {
			if err := ctxErr(ctx); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
