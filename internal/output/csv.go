package output

import (
	"encoding/csv"
	"io"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

// CSVWriter writes records as delimited text with a header row. Records are
// buffered so the header can cover every field seen.
type CSVWriter struct {
	w       *csv.Writer
	columns []string
	items   []listing.Record
	header  bool
}

// NewCSVWriter creates a CSV writer. Nil columns are derived from the records.
func NewCSVWriter(w io.Writer, columns []string) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), columns: columns}
}

// Write buffers a single record.
func (w *CSVWriter) Write(r listing.Record) error {
	w.items = append(w.items, r)
	return nil
}

// WriteAll buffers records.
func (w *CSVWriter) WriteAll(rs []listing.Record) error {
	w.items = append(w.items, rs...)
	return nil
}

// Flush writes the header, once, and all buffered rows. Columns are fixed
// by the first Flush.
func (w *CSVWriter) Flush() error {
	if !w.header {
		if w.columns == nil {
			w.columns = columnsOf(w.items)
		}
		if err := w.w.Write(w.columns); err != nil {
			return err
		}
		w.header = true
	}

	cols := w.columns
	row := make([]string, len(cols))
	for _, r := range w.items {
		for i, c := range cols {
			row[i] = r.String(c)
		}
		if err := w.w.Write(row); err != nil {
			return err
		}
	}
	w.items = w.items[:0]

	w.w.Flush()
	return w.w.Error()
}

// Close flushes the writer.
func (w *CSVWriter) Close() error {
	return w.Flush()
}
