package output

import (
	"bufio"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

// YAMLWriter writes records as a YAML sequence, keeping field order.
type YAMLWriter struct {
	w     *bufio.Writer
	items []listing.Record

	written bool
}

// NewYAMLWriter creates a YAML writer.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	return &YAMLWriter{
		w:     bufio.NewWriter(w),
		items: make([]listing.Record, 0),
	}
}

// Write buffers a single record.
func (w *YAMLWriter) Write(r listing.Record) error {
	w.items = append(w.items, r)
	return nil
}

// WriteAll buffers multiple records.
func (w *YAMLWriter) WriteAll(rs []listing.Record) error {
	w.items = append(w.items, rs...)
	return nil
}

// Flush writes the buffered records as YAML.
func (w *YAMLWriter) Flush() error {
	if w.written && len(w.items) == 0 {
		return nil
	}
	w.written = true

	doc := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	if len(w.items) == 0 {
		doc.Style = yaml.FlowStyle
	}
	for _, r := range w.items {
		m, err := recordNode(r)
		if err != nil {
			return err
		}
		doc.Content = append(doc.Content, m)
	}

	encoder := yaml.NewEncoder(w.w)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	w.items = w.items[:0]

	return w.w.Flush()
}

// recordNode builds an ordered mapping; a plain map would sort the keys.
func recordNode(r listing.Record) (*yaml.Node, error) {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, f := range r.Fields() {
		value := &yaml.Node{}
		if err := value.Encode(f.Value); err != nil {
			return nil, err
		}
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Name},
			value,
		)
	}
	return m, nil
}

// Close flushes and closes the writer.
func (w *YAMLWriter) Close() error {
	return w.Flush()
}
