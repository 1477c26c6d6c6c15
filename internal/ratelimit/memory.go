package ratelimit

import (
	"context"
	"sync"
)

// MemoryStore keeps buckets in process memory. Single-process runs and
// tests use it; the conditional-update contract matches the
// distributed backend exactly.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[Window]Bucket
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[Window]Bucket)}
}

func (s *MemoryStore) GetAll(ctx context.Context, account string) (map[Window]Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Window]Bucket, len(Windows))
	for _, w := range Windows {
		out[w] = s.buckets[account][w]
	}
	return out, nil
}

func (s *MemoryStore) UpdateAll(ctx context.Context, account string, prev, next map[Window]Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.buckets[account]
	for w, p := range prev {
		if stored[w].Version != p.Version {
			return ErrVersionConflict
		}
	}
	if stored == nil {
		stored = make(map[Window]Bucket, len(Windows))
		s.buckets[account] = stored
	}
	for w, n := range next {
		stored[w] = n
	}
	return nil
}
