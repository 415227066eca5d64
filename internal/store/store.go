// Package store keeps the enrolled digests of one session in memory.
package store

import (
	"errors"

	"github.com/andresmejia3/facehash/internal/digest"
)

// ErrFull is returned by Enroll when a capacity bound is configured and reached.
var ErrFull = errors.New("enrollment store is full")

// Record is one enrolled identity.
type Record struct {
	Digest digest.Digest
}

// Store is the in-memory, append-only collection of enrolled digests.
// The position of a record is its identity. Records are never removed or
// mutated, and nothing survives a restart.
//
// Store is not safe for concurrent use; the session loop is its only writer and reader.
type Store struct {
	records []Record
	// first maps a digest to the lowest index holding it, so Match stays
	// equivalent to an in-order scan.
	first      map[digest.Digest]int
	maxRecords int
}

// New creates an empty store. maxRecords bounds its size; 0 means unbounded.
func New(maxRecords int) *Store {
	if maxRecords < 0 {
		maxRecords = 0
	}
	return &Store{
		first:      make(map[digest.Digest]int),
		maxRecords: maxRecords,
	}
}

// Enroll appends d and returns its 0-based index. Duplicates are allowed.
func (s *Store) Enroll(d digest.Digest) (int, error) {
	if s.maxRecords > 0 && len(s.records) >= s.maxRecords {
		return -1, ErrFull
	}
	idx := len(s.records)
	s.records = append(s.records, Record{Digest: d})
	if _, ok := s.first[d]; !ok {
		s.first[d] = idx
	}
	return idx, nil
}

// Match returns the lowest index whose digest equals d.
func (s *Store) Match(d digest.Digest) (int, bool) {
	idx, ok := s.first[d]
	return idx, ok
}

// Len returns the number of enrolled records.
func (s *Store) Len() int {
	return len(s.records)
}

// At returns the record at index i.
func (s *Store) At(i int) (Record, bool) {
	if i < 0 || i >= len(s.records) {
		return Record{}, false
	}
	return s.records[i], true
}
