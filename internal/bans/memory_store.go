package bans

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	bans   map[string]*Ban
	active map[string]string // subjectKey → id of the active ban
}

// NewMemoryStore creates an empty in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bans:   make(map[string]*Ban),
		active: make(map[string]string),
	}
}

func (s *MemoryStore) FindActive(ctx context.Context, scope Scope, subjectID string, now time.Time) (*Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Ban
	for _, auto := range []bool{true, false} {
		id, ok := s.active[subjectKey(scope, subjectID, auto)]
		if !ok {
			continue
		}
		b := s.bans[id]
		if b.InEffect(now) && (best == nil || b.ExpiresAt.After(best.ExpiresAt)) {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, ban *Ban) (*Ban, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subjectKey(ban.Scope, ban.SubjectID, ban.AutoGenerated)
	if id, ok := s.active[key]; ok {
		existing := s.bans[id]
		if ban.ExpiresAt.After(existing.ExpiresAt) {
			existing.ExpiresAt = ban.ExpiresAt
		}
		existing.Reason = ban.Reason
		existing.UpdatedAt = ban.UpdatedAt
		existing.TriggerCount++
		cp := *existing
		return &cp, false, nil
	}

	stored := *ban
	stored.Active = true
	if stored.TriggerCount == 0 {
		stored.TriggerCount = 1
	}
	s.bans[stored.ID] = &stored
	s.active[key] = stored.ID
	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bans[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Ban, 0)
	for _, b := range s.bans {
		if f.Scope != "" && b.Scope != f.Scope {
			continue
		}
		if f.SubjectID != "" && b.SubjectID != f.SubjectID {
			continue
		}
		if f.ActiveOnly && !b.Active {
			continue
		}
		if f.Cursor != nil && !f.Cursor.Before(b.CreatedAt, b.ID) {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) (*Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bans[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.RevokedAt != nil {
		return nil, ErrAlreadyRevoked
	}
	b.Active = false
	b.RevokedAt = &at
	b.UpdatedAt = at
	s.dropActive(b)
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) DeactivateExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.bans {
		if limit > 0 && n >= limit {
			break
		}
		if b.Active && !now.Before(b.ExpiresAt) {
			b.Active = false
			b.UpdatedAt = now
			s.dropActive(b)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// caller holds s.mu
func (s *MemoryStore) dropActive(b *Ban) {
	key := subjectKey(b.Scope, b.SubjectID, b.AutoGenerated)
	if s.active[key] == b.ID {
		delete(s.active, key)
	}
}

var _ Store = (*MemoryStore)(nil)
