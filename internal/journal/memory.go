package journal

import (
	"context"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// DefaultCapacity is the number of entries a [MemoryStore] retains when no
// capacity is given.
const DefaultCapacity = 256

// MemoryStore is a bounded in-process [Store]. Once full, the oldest entry is
// overwritten.
type MemoryStore struct {
	mu     sync.Mutex
	ring   []Entry
	next   int
	full   bool
	closed bool
}

// NewMemoryStore returns a store retaining the last capacity entries. A
// capacity <= 0 selects [DefaultCapacity].
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{ring: make([]Entry, capacity)}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Recent implements [Store].
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	n := s.next
	if s.full {
		n = len(s.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out, nil
}

// Len returns the number of retained entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.ring)
	}
	return s.next
}

// Close implements [Store]. Retained entries are discarded.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.ring = nil
	s.mu.Unlock()
	return nil
}
