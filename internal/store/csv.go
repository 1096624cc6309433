package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/dockmend/dockmend/pkg/record"
)

// ExportCSV writes all records to w in the positional column contract the
// downstream analytics tooling consumes (record.Header order).
func ExportCSV(ctx context.Context, s RecordStore, w io.Writer) error {
	rows, err := s.List(ctx, ListOpts{})
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(record.Header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
