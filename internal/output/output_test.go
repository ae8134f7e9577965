package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

func testRecords() []listing.Record {
	return []listing.Record{
		listing.NewRecord("blue bottle|1 main st",
			listing.Field{Name: "name", Value: "Blue Bottle"},
			listing.Field{Name: "address", Value: "1 Main St"},
			listing.Field{Name: "rating", Value: 4.6},
			listing.Field{Name: "reviews", Value: 1234},
		),
		listing.NewRecord("ritual|2 oak ave",
			listing.Field{Name: "name", Value: "Ritual, Coffee"},
			listing.Field{Name: "address", Value: "2 Oak Ave"},
			listing.Field{Name: "rating", Value: nil},
			listing.Field{Name: "reviews", Value: nil},
		),
	}
}

// --- Format Tests ---

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"excel", FormatExcel, false},
		{"XLSX", FormatExcel, false},
		{"spreadsheet", FormatExcel, false},
		{" csv ", FormatCSV, false},
		{"delimited-text", FormatCSV, false},
		{"json", FormatJSON, false},
		{"Structured-Text", FormatJSON, false},
		{"ndjson", FormatJSONL, false},
		{"yml", FormatYAML, false},
		{"pdf", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestFormat_Extension(t *testing.T) {
	want := map[Format]string{
		FormatExcel: ".xlsx",
		FormatCSV:   ".csv",
		FormatJSON:  ".json",
		FormatJSONL: ".jsonl",
		FormatYAML:  ".yaml",
	}
	for _, f := range Formats {
		if f.Extension() != want[f] {
			t.Errorf("%s.Extension() = %s, want %s", f, f.Extension(), want[f])
		}
		if f.ContentType() == "" {
			t.Errorf("%s.ContentType() is empty", f)
		}
	}
}

func TestFormatForFile(t *testing.T) {
	tests := []struct {
		name string
		want Format
		ok   bool
	}{
		{"coffee - mapscrape output.csv", FormatCSV, true},
		{"x.XLSX", FormatExcel, true},
		{"x.jsonl", FormatJSONL, true},
		{"x.json", FormatJSON, true},
		{"x.yml", FormatYAML, true},
		{"x.txt", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		got, ok := FormatForFile(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FormatForFile(%q) = %s, %v, want %s, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

// --- NewWriter Factory Tests ---

func TestNewWriter_Types(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{FormatExcel, "*output.ExcelWriter"},
		{FormatCSV, "*output.CSVWriter"},
		{FormatJSON, "*output.JSONWriter"},
		{FormatJSONL, "*output.JSONLWriter"},
		{FormatYAML, "*output.YAMLWriter"},
	}
	for _, tt := range tests {
		w, err := NewWriter(&bytes.Buffer{}, tt.format)
		if err != nil {
			t.Fatalf("NewWriter(%s) error = %v", tt.format, err)
		}
		if got := typeName(w); got != tt.want {
			t.Errorf("NewWriter(%s) = %s, want %s", tt.format, got, tt.want)
		}
	}
}

func typeName(w Writer) string {
	switch w.(type) {
	case *ExcelWriter:
		return "*output.ExcelWriter"
	case *CSVWriter:
		return "*output.CSVWriter"
	case *JSONWriter:
		return "*output.JSONWriter"
	case *JSONLWriter:
		return "*output.JSONLWriter"
	case *YAMLWriter:
		return "*output.YAMLWriter"
	}
	return "unknown"
}

func TestNewWriter_UnsupportedFormat(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, Format("unsupported"))
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("expected error containing 'unsupported', got %v", err)
	}
}

// --- JSONWriter Tests ---

func TestJSONWriter_KeepsFieldOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewJSONWriter(buf, false, "")

	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	first := strings.SplitN(buf.String(), "},", 2)[0]
	if !strings.HasPrefix(first, `[{"name":"Blue Bottle","address":"1 Main St","rating":4.6,"reviews":1234`) {
		t.Errorf("unexpected JSON: %s", buf.String())
	}

	var result []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if len(result) != 2 || result[1]["rating"] != nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestJSONWriter_Empty(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewJSONWriter(buf, true, "  ")

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty array, got %q", buf.String())
	}
}

func TestJSONWriter_FlushThenClose(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewJSONWriter(buf, true, "  ")

	if err := w.Write(testRecords()[0]); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var result []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output should be a single document: %v", err)
	}
}

func TestJSONWriter_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, FormatJSON, WithPretty(true), WithIndent("\t"))
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !strings.Contains(buf.String(), "\n\t{") {
		t.Errorf("expected tab indentation, got %q", buf.String())
	}
}

// --- JSONLWriter Tests ---

func TestJSONLWriter_SeparateLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewJSONLWriter(buf)

	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if first["name"] != "Blue Bottle" {
		t.Errorf("unexpected first line: %v", first)
	}
}

// --- YAMLWriter Tests ---

func TestYAMLWriter_KeepsFieldOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewYAMLWriter(buf)

	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	out := buf.String()
	if strings.Index(out, "name:") > strings.Index(out, "address:") {
		t.Errorf("expected name before address, got:\n%s", out)
	}

	var result []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 items, got %d", len(result))
	}
	if result[0]["reviews"] != 1234 || result[1]["rating"] != nil {
		t.Errorf("unexpected values: %+v", result)
	}
}

func TestYAMLWriter_Empty(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewYAMLWriter(buf)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty sequence, got %q", buf.String())
	}
}

// --- CSVWriter Tests ---

func TestCSVWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewCSVWriter(buf, nil)

	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "name,address,rating,reviews" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][2] != "4.6" || rows[1][3] != "1234" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][0] != "Ritual, Coffee" || rows[2][2] != "" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestCSVWriter_EmptyHasStandardHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewCSVWriter(buf, nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if strings.TrimSpace(buf.String()) != strings.Join(listing.StandardFields, ",") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestCSVWriter_FixedColumns(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := NewWriter(buf, FormatCSV, WithColumns("reviews", "name"))
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "reviews,name" || lines[1] != "1234,Blue Bottle" {
		t.Errorf("unexpected output: %v", lines)
	}
}

// --- ExcelWriter Tests ---

func TestExcelWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewExcelWriter(buf, "", nil)

	if err := w.WriteAll(testRecords()); err != nil {
		t.Fatalf("WriteAll() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := excelize.OpenReader(buf)
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Listings")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "name,address,rating,reviews" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "Blue Bottle" || rows[1][3] != "1234" {
		t.Errorf("row 1 = %v", rows[1])
	}
	if rows[2][0] != "Ritual, Coffee" {
		t.Errorf("row 2 = %v", rows[2])
	}
}

func TestExcelWriter_SingleDocument(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewExcelWriter(buf, "Sheet", nil)

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	size := buf.Len()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if buf.Len() != size {
		t.Error("Close after Flush should not write a second workbook")
	}
}

// --- Export Tests ---

func TestExport_AllFormats(t *testing.T) {
	dir := t.TempDir()

	for _, f := range Formats {
		path, err := Export(dir, "coffee shops", f, testRecords())
		if err != nil {
			t.Fatalf("Export(%s) error = %v", f, err)
		}
		if filepath.Base(path) != "coffee shops - mapscrape output"+f.Extension() {
			t.Errorf("unexpected file name %s", filepath.Base(path))
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			t.Errorf("export %s missing or empty: %v", path, err)
		}
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".mapscrape-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestExport_EmptyRecords(t *testing.T) {
	dir := t.TempDir()

	path, err := Export(dir, "nothing here", FormatJSON, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("expected empty array, got %q", data)
	}
}

func TestExport_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "output")

	if _, err := Export(dir, "q", FormatCSV, testRecords()); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()

	old, err := Export(dir, "pizza [rome]", FormatCSV, testRecords())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	newer, err := Export(dir, "pizza [rome]", FormatJSON, testRecords())
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if _, err := Export(dir, "pizza", FormatCSV, testRecords()); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	got, err := Latest(dir, "pizza [rome]")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got != newer {
		t.Errorf("Latest() = %s, want %s", got, newer)
	}

	if _, err := Latest(dir, "sushi"); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Latest(sushi) error = %v, want ErrNoArtifact", err)
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		query, want string
	}{
		{"coffee shops", "coffee shops - mapscrape output"},
		{"a/b\\c:d", "a_b_c_d - mapscrape output"},
		{"..", "query - mapscrape output"},
		{"  ", "query - mapscrape output"},
	}
	for _, tt := range tests {
		if got := BaseName(tt.query); got != tt.want {
			t.Errorf("BaseName(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"coffee - mapscrape output.csv", false},
		{"../etc/passwd", true},
		{"..", true},
		{"a/b.csv", true},
		{`a\b.csv`, true},
		{"", true},
	}
	for _, tt := range tests {
		path, err := SafeJoin("/srv/output", tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafeJoin(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrUnsafePath) {
			t.Errorf("error should wrap ErrUnsafePath: %v", err)
		}
		if err == nil && path != filepath.Join("/srv/output", tt.name) {
			t.Errorf("SafeJoin(%q) = %s", tt.name, path)
		}
	}
}
