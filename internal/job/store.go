package job

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for unknown job identifiers.
	ErrNotFound = errors.New("job not found")
	// ErrStateConflict is returned when a conditional transition loses
	// the race: the job is no longer in the expected state.
	ErrStateConflict = errors.New("job state conflict")
	// ErrExists is returned when creating a job whose ID is taken.
	ErrExists = errors.New("job already exists")
)

// Store persists job records and chunk manifests. Writers require
// strong consistency; all mutations are conditional so that at most
// one orchestrator execution makes progress per job.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Transition moves the job from the expected state to the next one,
	// applying mutate (may be nil) to the record under the same write.
	// Returns ErrStateConflict if the current state differs from the
	// expected state. Duplicate orchestrator triggers lose this race
	// and exit.
	Transition(ctx context.Context, id string, from, to State, mutate func(*Job)) (*Job, error)

	// CreditChunk records that the chunk at index finished translating,
	// incrementing TranslatedChunks and the aggregate token counters
	// exactly once per (job, index). credited=false means another
	// worker already credited this chunk; the caller treats that as
	// success without double-counting.
	CreditChunk(ctx context.Context, id string, index int, tokensIn, tokensOut int64) (j *Job, credited bool, err error)

	// PutChunks durably persists the full chunk manifest. Called once,
	// before the CHUNKING -> CHUNKED transition publishes TotalChunks.
	PutChunks(ctx context.Context, id string, chunks []Chunk) error
	GetChunks(ctx context.Context, id string) ([]Chunk, error)
	GetChunk(ctx context.Context, id string, index int) (*Chunk, error)

	// ListByOwner returns the owner's jobs, most recently updated first.
	ListByOwner(ctx context.Context, owner string) ([]*Job, error)

	Delete(ctx context.Context, id string) error
}
