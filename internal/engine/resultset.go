package engine

import (
	"sync"

	"github.com/jmylchreest/mapscrape/internal/listing"
)

// ResultSet is the ordered, duplicate-free collection of records for one
// session. It only grows.
type ResultSet struct {
	mu      sync.RWMutex
	seen    map[string]struct{}
	records []listing.Record
}

// NewResultSet creates an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{seen: make(map[string]struct{})}
}

// Add appends r unless a record with the same key is already present.
// Records with an empty key are rejected. Returns true if r was added.
func (s *ResultSet) Add(r listing.Record) bool {
	if r.Key == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[r.Key]; ok {
		return false
	}
	s.seen[r.Key] = struct{}{}
	s.records = append(s.records, r)
	return true
}

// Has reports whether key has been recorded.
func (s *ResultSet) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[key]
	return ok
}

// Len returns the number of records.
func (s *ResultSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of the records in insertion order.
func (s *ResultSet) Records() []listing.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.Record, len(s.records))
	copy(out, s.records)
	return out
}
