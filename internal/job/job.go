// Package job holds the translation-job data model: the job record,
// its state machine, and the chunk descriptor manifest.
package job

import (
	"time"
)

// State is the job lifecycle state.
type State string

const (
	StatePendingUpload    State = "PENDING_UPLOAD"
	StateUploaded         State = "UPLOADED"
	StateChunking         State = "CHUNKING"
	StateChunked          State = "CHUNKED"
	StateTranslating      State = "TRANSLATING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateChunkingFailed   State = "CHUNKING_FAILED"
	StateValidationFailed State = "VALIDATION_FAILED"
	StateCanceled         State = "CANCELED"
)

// transitions is the forward edge set of the state machine. Terminal
// states have no outgoing edges; nothing ever rolls backward.
var transitions = map[State][]State{
	StatePendingUpload: {StateUploaded, StateValidationFailed},
	StateUploaded:      {StateChunking, StateValidationFailed, StateCanceled},
	StateChunking:      {StateChunked, StateChunkingFailed, StateFailed, StateCanceled},
	StateChunked:       {StateTranslating, StateFailed, StateCanceled},
	StateTranslating:   {StateCompleted, StateFailed, StateCanceled},
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a declared edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorDescriptor is the user-visible error attached to a failed job.
// It carries a stable kind tag and a safe message, never the upstream
// payload.
type ErrorDescriptor struct {
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// Job is one translation request.
type Job struct {
	ID               string           `json:"id"`
	Owner            string           `json:"owner"`
	SourceKey        string           `json:"source_key"`
	OriginalFileName string           `json:"original_file_name,omitempty"`
	TargetLanguage   string           `json:"target_language"`
	Tone             string           `json:"tone"`
	State            State            `json:"state"`
	TotalChunks      int              `json:"total_chunks"`
	TranslatedChunks int              `json:"translated_chunks"`
	TokensIn         int64            `json:"tokens_in"`
	TokensOut        int64            `json:"tokens_out"`
	Error            *ErrorDescriptor `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      time.Time        `json:"completed_at,omitempty"`

	// Version is a monotonic revision counter bumped on every write,
	// used by stores for optimistic concurrency.
	Version int64 `json:"version"`
}

// ProgressPercentage is only meaningful once chunking has finished.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalChunks <= 0 {
		return 0
	}
	return 100 * float64(j.TranslatedChunks) / float64(j.TotalChunks)
}

// Clone returns a deep copy so store callers can mutate freely.
func (j *Job) Clone() *Job {
	out := *j
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return &out
}

// Chunk is the descriptor for one unit of translation work. Descriptors
// are created during chunking and never mutated afterwards.
type Chunk struct {
	JobID       string `json:"job_id"`
	Index       int    `json:"index"`
	InputTokens int    `json:"input_tokens"`
	ByteStart   int64  `json:"byte_start"`
	ByteEnd     int64  `json:"byte_end"`
	// PreviousSummary is the overlap tail of the previous chunk,
	// empty for index 0. It is the authoritative cross-chunk context.
	PreviousSummary string `json:"previous_summary"`
	SourceKey       string `json:"source_key"`
	TranslatedKey   string `json:"translated_key"`
}
