// Package output turns a session's records into an export artifact.
package output

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

// Format represents output format types.
type Format string

const (
	FormatExcel Format = "excel"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// Formats lists every supported format.
var Formats = []Format{FormatExcel, FormatCSV, FormatJSON, FormatJSONL, FormatYAML}

// ParseFormat accepts a format name or one of its aliases, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "excel", "xlsx", "spreadsheet":
		return FormatExcel, nil
	case "csv", "delimited", "delimited-text":
		return FormatCSV, nil
	case "json", "structured", "structured-text":
		return FormatJSON, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// Extension returns the file extension for f, including the dot.
func (f Format) Extension() string {
	switch f {
	case FormatExcel:
		return ".xlsx"
	case FormatCSV:
		return ".csv"
	case FormatJSONL:
		return ".jsonl"
	case FormatYAML:
		return ".yaml"
	default:
		return ".json"
	}
}

// FormatForFile reports the format whose extension name carries.
func FormatForFile(name string) (Format, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yml" {
		return FormatYAML, true
	}
	for _, f := range Formats {
		if f.Extension() == ext {
			return f, true
		}
	}
	return "", false
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatCSV:
		return "text/csv"
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// Writer handles output serialization.
type Writer interface {
	// Write outputs a single record.
	Write(r listing.Record) error

	// WriteAll outputs multiple records.
	WriteAll(rs []listing.Record) error

	// Flush ensures all data is written.
	Flush() error

	// Close releases resources.
	Close() error
}

// WriterOption configures a writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	pretty  bool
	indent  string
	columns []string
	sheet   string
}

// WithPretty enables pretty-printing.
func WithPretty(enabled bool) WriterOption {
	return func(c *writerConfig) {
		c.pretty = enabled
	}
}

// WithIndent sets the indentation string.
func WithIndent(indent string) WriterOption {
	return func(c *writerConfig) {
		c.indent = indent
	}
}

// WithColumns fixes the column order for tabular formats.
func WithColumns(columns ...string) WriterOption {
	return func(c *writerConfig) {
		c.columns = columns
	}
}

// WithSheetName names the worksheet for Excel output.
func WithSheetName(name string) WriterOption {
	return func(c *writerConfig) {
		c.sheet = name
	}
}

// NewWriter creates a writer for the specified format.
func NewWriter(w io.Writer, format Format, opts ...WriterOption) (Writer, error) {
	cfg := &writerConfig{
		pretty: true,
		indent: "  ",
		sheet:  "Listings",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch format {
	case FormatExcel:
		return NewExcelWriter(w, cfg.sheet, cfg.columns), nil
	case FormatCSV:
		return NewCSVWriter(w, cfg.columns), nil
	case FormatJSON:
		return NewJSONWriter(w, cfg.pretty, cfg.indent), nil
	case FormatJSONL:
		return NewJSONLWriter(w), nil
	case FormatYAML:
		return NewYAMLWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// columnsOf returns field names in first-seen order across records, or the
// standard listing fields when there are no records.
func columnsOf(rs []listing.Record) []string {
	if len(rs) == 0 {
		return append([]string(nil), listing.StandardFields...)
	}
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rs {
		for _, name := range r.Names() {
			if !seen[name] {
				seen[name] = true
				cols = append(cols, name)
			}
		}
	}
	return cols
}
