package output

import (
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

// ExcelWriter writes records to a single-sheet .xlsx workbook.
type ExcelWriter struct {
	w       io.Writer
	sheet   string
	columns []string
	items   []listing.Record
	done    bool
}

// NewExcelWriter creates an Excel writer.
func NewExcelWriter(w io.Writer, sheet string, columns []string) *ExcelWriter {
	if sheet == "" {
		sheet = "Listings"
	}
	return &ExcelWriter{w: w, sheet: sheet, columns: columns}
}

// Write buffers a single record.
func (w *ExcelWriter) Write(r listing.Record) error {
	w.items = append(w.items, r)
	return nil
}

// WriteAll buffers records.
func (w *ExcelWriter) WriteAll(rs []listing.Record) error {
	w.items = append(w.items, rs...)
	return nil
}

// Flush builds the workbook and writes it out. A workbook is a single
// document, so only the first Flush writes anything.
func (w *ExcelWriter) Flush() error {
	if w.done {
		return nil
	}
	w.done = true

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", w.sheet); err != nil {
		return err
	}

	cols := w.columns
	if cols == nil {
		cols = columnsOf(w.items)
	}

	for i, c := range cols {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(w.sheet, cell, c); err != nil {
			return err
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetRowStyle(w.sheet, 1, 1, bold); err != nil {
		return err
	}

	for row, r := range w.items {
		for i, c := range cols {
			v, ok := r.Get(c)
			if !ok || v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, row+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(w.sheet, cell, v); err != nil {
				return err
			}
		}
	}

	return f.Write(w.w)
}

// Close writes the workbook if it has not been written yet.
func (w *ExcelWriter) Close() error {
	return w.Flush()
}
