package pending

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps activations in process memory. They are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Activation
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a store whose entries expire after ttl (0 = never)
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Activation),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(a Activation) bool {
	return s.ttl > 0 && s.now().Sub(a.CreatedAt) >= s.ttl
}

func (s *MemoryStore) Put(_ context.Context, a Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[a.ID]; ok && !s.expired(cur) {
		return ErrExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.entries[a.ID] = a
	return nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (Activation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.entries[id]
	if !ok {
		return Activation{}, false, nil
	}
	delete(s.entries, id)
	if s.expired(a) {
		return Activation{}, false, nil
	}
	return a, true, nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.entries[id]
	return ok && !s.expired(a), nil
}

// List also drops expired entries
func (s *MemoryStore) List(_ context.Context) ([]Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Activation, 0, len(s.entries))
	for id, a := range s.entries {
		if s.expired(a) {
			delete(s.entries, id)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
