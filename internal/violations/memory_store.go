package violations

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds the in-memory log; the oldest entries are
// discarded first.
const DefaultMemoryCapacity = 10000

// MemoryStore keeps the most recent violations in a ring.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	capacity int
}

// NewMemoryStore creates an in-memory store holding up to capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries = append(s.entries, &cp)
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append([]*Entry(nil), s.entries[over:]...)
	}
	return nil
}

// List walks newest first. Entries are appended in time order, so the slice
// is already sorted by CreatedAt.
func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Origin != "" && e.Origin != f.Origin {
			continue
		}
		if f.Cursor != nil && !f.Cursor.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
