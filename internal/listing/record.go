// Package listing defines the records extracted from the results panel and
// the extractor that turns one rendered card into a record.
package listing

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Standard field names, in export column order.
const (
	FieldName     = "name"
	FieldCategory = "category"
	FieldAddress  = "address"
	FieldRating   = "rating"
	FieldReviews  = "reviews"
	FieldPhone    = "phone"
	FieldURL      = "url"
)

// StandardFields lists the fields CardExtractor produces.
var StandardFields = []string{
	FieldName, FieldCategory, FieldAddress, FieldRating, FieldReviews, FieldPhone, FieldURL,
}

// Field is one named value of a Record. Value is a string, float64, int,
// or nil when the card did not show it.
type Field struct {
	Name  string
	Value any
}

// Record is one extracted listing: an identity key plus ordered fields.
// Records are never modified after NewRecord returns.
type Record struct {
	Key    string
	fields []Field
}

// NewRecord builds a Record, copying fields.
func NewRecord(key string, fields ...Field) Record {
	fs := make([]Field, len(fields))
	copy(fs, fields)
	return Record{Key: key, fields: fs}
}

// Fields returns a copy of the record's fields in order.
func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// String returns the named field formatted for tabular output.
func (r Record) String(name string) string {
	v, _ := r.Get(name)
	return FormatValue(v)
}

// Names returns field names in order.
func (r Record) Names() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.Name
	}
	return names
}

// Map returns the fields as a map. Field order is lost.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		m[f.Name] = f.Value
	}
	return m
}

// MarshalJSON writes the fields as an object in field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FormatValue renders a field value as text; nil becomes "".
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
