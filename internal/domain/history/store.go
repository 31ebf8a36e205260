// Package history keeps the bounded, in-memory log of completed image analyses.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultLimit caps the store when no limit is configured.
const DefaultLimit = 200

// Entry is one completed image analysis.
type Entry struct {
	ImageURL  string    `json:"image_url"`
	Analysis  string    `json:"analysis"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"-"`
	Provider  string    `json:"provider"`
	ModelID   string    `json:"model_id"`
}

// MarshalJSON emits the timestamp as fractional unix seconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Timestamp float64 `json:"timestamp"`
	}{plain(e), float64(e.Timestamp.UnixNano()) / 1e9})
}

// Store is an append-only ring buffer. Once full, the oldest entry is
// overwritten. All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	buf   []Entry
	start int
	count int
	total uint64
}

// NewStore returns a store holding at most limit entries.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{buf: make([]Entry, limit)}
}

// Append records e, evicting the oldest entry when full.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := (s.start + s.count) % len(s.buf)
	s.buf[idx] = e
	if s.count < len(s.buf) {
		s.count++
	} else {
		s.start = (s.start + 1) % len(s.buf)
	}
	s.total++
}

// Snapshot returns the retained entries oldest first. The lock is held only
// for the copy.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, s.count)
	n := copy(out, s.buf[s.start:min(s.start+s.count, len(s.buf))])
	copy(out[n:], s.buf[:s.count-n])
	s.mu.Unlock()
	return out
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Total returns how many entries were ever appended, evicted ones included.
func (s *Store) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Limit returns the capacity.
func (s *Store) Limit() int { return len(s.buf) }
