// Package metadata stores the {text, source} record for every index ordinal.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/renameio"
)

var (
	// ErrMetadataNotFound is returned by Load when no metadata file exists.
	ErrMetadataNotFound = errors.New("metadata not found")
	// ErrMetadataCorrupt is returned by Load when the file cannot be parsed.
	ErrMetadataCorrupt = errors.New("metadata corrupt")
)

// Record describes the chunk stored at one ordinal.
type Record struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// OutOfRangeError reports a lookup past the end of the store.
type OutOfRangeError struct {
	Ordinal int
	Len     int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("metadata ordinal %d out of range [0, %d)", e.Ordinal, e.Len)
}

// Store is an ordered, append-only list of records. Position i describes ordinal i.
type Store struct {
	mu      sync.RWMutex
	records []Record
}

// New returns an empty store.
func New() *Store {
	return &Store{records: []Record{}}
}

// Append adds records at the end and returns the ordinal of the first one.
func (s *Store) Append(records ...Record) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.records)
	s.records = append(s.records, records...)
	return start
}

// Get returns the record at ordinal.
func (s *Store) Get(ordinal int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ordinal < 0 || ordinal >= len(s.records) {
		return Record{}, &OutOfRangeError{Ordinal: ordinal, Len: len(s.records)}
	}
	return s.records[ordinal], nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of all records.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Truncate drops every record at position >= n. Used to roll back an unsaved batch.
func (s *Store) Truncate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.records) {
		return fmt.Errorf("truncate to %d: store holds %d records", n, len(s.records))
	}
	s.records = s.records[:n]
	return nil
}

// Marshal encodes the records as an indented UTF-8 JSON array without HTML escaping.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the store to path atomically.
func (s *Store) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Load replaces the records with the contents of path. On error the store is unchanged.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMetadataNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrMetadataCorrupt, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMetadataCorrupt, path, err)
	}
	if records == nil {
		// "null" is not a valid store.
		return fmt.Errorf("%w: %s: not a JSON array", ErrMetadataCorrupt, path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return nil
}
