package codec

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSV decodes comma (or Delimiter) separated rows.
//
// Column names come from Header, or from the first row when Header is empty.
// Rows longer than the header get generated names ("column4", ...).
type CSV struct {
	Delimiter rune
	Header    []string
}

func (c CSV) Parse(ctx context.Context, r io.Reader, fn func(Record) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if c.Delimiter != 0 {
		cr.Comma = c.Delimiter
	}

	header := c.Header
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("codec: decode csv: %w", err)
		}

		if len(header) == 0 {
			header = make([]string, len(row))
			for i, col := range row {
				header[i] = strings.TrimSpace(col)
			}
			continue
		}

		rec := make(Record, len(row))
		for i, v := range row {
			name := fmt.Sprintf("column%d", i+1)
			if i < len(header) && header[i] != "" {
				name = header[i]
			}
			rec[name] = v
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
