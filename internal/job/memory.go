package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and one-shot local runs.
// All operations take the store lock, which gives the same conditional
// semantics as the distributed backend.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	chunks  map[string][]Chunk
	credits map[string]map[int]bool
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		chunks:  make(map[string][]Chunk),
		credits: make(map[string]map[int]bool),
		now:     time.Now,
	}
}

// SetClock overrides the store clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrExists
	}
	stored := j.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	s.jobs[j.ID] = stored
	*j = *stored.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.State != from {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrStateConflict, from, stored.State)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: no transition %s -> %s", ErrStateConflict, from, to)
	}
	stored.State = to
	stored.UpdatedAt = s.now()
	stored.Version++
	if to == StateCompleted {
		stored.CompletedAt = stored.UpdatedAt
	}
	if mutate != nil {
		mutate(stored)
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) CreditChunk(ctx context.Context, id string, index int, tokensIn, tokensOut int64) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	credited := s.credits[id]
	if credited == nil {
		credited = make(map[int]bool)
		s.credits[id] = credited
	}
	if credited[index] {
		return stored.Clone(), false, nil
	}
	credited[index] = true
	stored.TranslatedChunks++
	stored.TokensIn += tokensIn
	stored.TokensOut += tokensOut
	stored.UpdatedAt = s.now()
	stored.Version++
	return stored.Clone(), true, nil
}

func (s *MemoryStore) PutChunks(ctx context.Context, id string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	stored := make([]Chunk, len(chunks))
	copy(stored, chunks)
	s.chunks[id] = stored
	return nil
}

func (s *MemoryStore) GetChunks(ctx context.Context, id string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks, ok := s.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

func (s *MemoryStore) GetChunk(ctx context.Context, id string, index int) (*Chunk, error) {
	chunks, err := s.GetChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(chunks) {
		return nil, ErrNotFound
	}
	c := chunks[index]
	return &c, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, stored := range s.jobs {
		if stored.Owner == owner {
			out = append(out, stored.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].UpdatedAt.After(out[k].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.chunks, id)
	delete(s.credits, id)
	return nil
}
