package job

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newJob(id, owner string) *Job {
	return &Job{
		ID:             id,
		Owner:          owner,
		TargetLanguage: "ko",
		Tone:           "neutral",
		State:          StatePendingUpload,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	j := newJob("j1", "alice")
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if j.Version != 1 {
		t.Errorf("version = %d, want 1", j.Version)
	}
	if err := s.Create(ctx, newJob("j1", "alice")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create = %v, want ErrExists", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StatePendingUpload {
		t.Errorf("state = %s", got.State)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestTransitionConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newJob("j1", "alice")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Transition(ctx, "j1", StatePendingUpload, StateUploaded, nil)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if got.State != StateUploaded {
		t.Errorf("state = %s", got.State)
	}

	// A duplicate trigger loses the race.
	if _, err := s.Transition(ctx, "j1", StatePendingUpload, StateUploaded, nil); !errors.Is(err, ErrStateConflict) {
		t.Errorf("duplicate transition = %v, want ErrStateConflict", err)
	}

	// Undeclared edges are refused even from the right state.
	if _, err := s.Transition(ctx, "j1", StateUploaded, StateCompleted, nil); !errors.Is(err, ErrStateConflict) {
		t.Errorf("illegal edge = %v, want ErrStateConflict", err)
	}
}

func TestTransitionMutate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newJob("j1", "alice")); err != nil {
		t.Fatal(err)
	}
	mustTransition(t, s, "j1", StatePendingUpload, StateUploaded)
	mustTransition(t, s, "j1", StateUploaded, StateChunking)

	got, err := s.Transition(ctx, "j1", StateChunking, StateChunked, func(j *Job) {
		j.TotalChunks = 7
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalChunks != 7 {
		t.Errorf("TotalChunks = %d", got.TotalChunks)
	}
}

func TestCreditChunkIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newJob("j1", "alice")); err != nil {
		t.Fatal(err)
	}

	got, credited, err := s.CreditChunk(ctx, "j1", 3, 100, 120)
	if err != nil || !credited {
		t.Fatalf("first credit: credited=%v err=%v", credited, err)
	}
	if got.TranslatedChunks != 1 || got.TokensIn != 100 || got.TokensOut != 120 {
		t.Errorf("after first credit: %+v", got)
	}

	// Duplicate delivery of the same chunk does not double-count.
	got, credited, err = s.CreditChunk(ctx, "j1", 3, 100, 120)
	if err != nil {
		t.Fatal(err)
	}
	if credited {
		t.Error("second credit for same index must report credited=false")
	}
	if got.TranslatedChunks != 1 {
		t.Errorf("TranslatedChunks = %d after duplicate credit", got.TranslatedChunks)
	}

	// A different index still counts.
	got, credited, _ = s.CreditChunk(ctx, "j1", 4, 50, 60)
	if !credited || got.TranslatedChunks != 2 {
		t.Errorf("credited=%v TranslatedChunks=%d", credited, got.TranslatedChunks)
	}
}

func TestCreditChunkConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newJob("j1", "alice")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		// Two workers race on every index.
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				_, _, _ = s.CreditChunk(ctx, "j1", index, 10, 10)
			}(i)
		}
	}
	wg.Wait()

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TranslatedChunks != n {
		t.Errorf("TranslatedChunks = %d, want %d", got.TranslatedChunks, n)
	}
	if got.TokensIn != n*10 {
		t.Errorf("TokensIn = %d, want %d", got.TokensIn, n*10)
	}
}

func TestChunkManifest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newJob("j1", "alice")); err != nil {
		t.Fatal(err)
	}

	chunks := []Chunk{
		{JobID: "j1", Index: 0, InputTokens: 900},
		{JobID: "j1", Index: 1, InputTokens: 800, PreviousSummary: "tail of zero"},
	}
	if err := s.PutChunks(ctx, "j1", chunks); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetChunks(ctx, "j1")
	if err != nil || len(got) != 2 {
		t.Fatalf("GetChunks: %v, len=%d", err, len(got))
	}

	c, err := s.GetChunk(ctx, "j1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.PreviousSummary != "tail of zero" {
		t.Errorf("PreviousSummary = %q", c.PreviousSummary)
	}

	if _, err := s.GetChunk(ctx, "j1", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("out-of-range chunk = %v, want ErrNotFound", err)
	}
}

func TestListByOwnerAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"a1", "a2"} {
		if err := s.Create(ctx, newJob(id, "alice")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, newJob("b1", "bob")); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListByOwner(ctx, "alice")
	if err != nil || len(jobs) != 2 {
		t.Fatalf("ListByOwner: %v, len=%d", err, len(jobs))
	}

	if err := s.Delete(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	jobs, _ = s.ListByOwner(ctx, "alice")
	if len(jobs) != 1 {
		t.Errorf("after delete len = %d", len(jobs))
	}
}

func mustTransition(t *testing.T, s Store, id string, from, to State) *Job {
	t.Helper()
	j, err := s.Transition(context.Background(), id, from, to, nil)
	if err != nil {
		t.Fatalf("transition %s -> %s failed: %v", from, to, err)
	}
	return j
}
