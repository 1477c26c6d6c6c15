package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/chunker"
	"github.com/oukeidos/folio/internal/gemini"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/oukeidos/folio/internal/worker"
)

// wordCounter makes chunking deterministic: one word, one token.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func (wordCounter) Head(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := 0
	inWord := false
	for i := 0; i < len(text); i++ {
		space := text[i] == ' ' || text[i] == '\n' || text[i] == '\t'
		if space && inWord {
			words++
			inWord = false
			if words >= maxTokens {
				return text[:i]
			}
		}
		if !space {
			inWord = true
		}
	}
	return text
}

func (wordCounter) Tail(text string, maxTokens int) string {
	fields := strings.Fields(text)
	if maxTokens <= 0 || len(fields) == 0 {
		return ""
	}
	if maxTokens > len(fields) {
		maxTokens = len(fields)
	}
	return strings.Join(fields[len(fields)-maxTokens:], " ")
}

type fixture struct {
	jobs  *job.MemoryStore
	store *storage.Memory
	orch  *Orchestrator
	slept []time.Duration
}

func newFixture(t *testing.T, translator gemini.Translator, concurrency int) *fixture {
	t.Helper()
	f := &fixture{
		jobs:  job.NewMemoryStore(),
		store: storage.NewMemory(),
	}
	ch, err := chunker.New(wordCounter{}, f.store, chunker.Config{TargetTokens: 10, OverlapTokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	w, err := worker.New(f.jobs, f.store, nil, translator, wordCounter{}, worker.Config{})
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(f.jobs, f.store, ch, w, Config{
		MaxConcurrency: concurrency,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	}
	f.orch = o
	return f
}

// seedUploaded creates a job in UPLOADED with its document stored.
func (f *fixture) seedUploaded(t *testing.T, document string) {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{ID: "j1", Owner: "alice", TargetLanguage: "ko", Tone: "neutral", State: job.StatePendingUpload}
	if err := f.jobs.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := f.jobs.Transition(ctx, "j1", job.StatePendingUpload, job.StateUploaded, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Put(ctx, storage.DocumentKey("j1"), []byte(document)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) state(t *testing.T) job.State {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	return j.State
}

func TestRunSingleChunkJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &gemini.MockTranslator{}, 4)
	f.seedUploaded(t, "a handful of words only\n")

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := f.state(t); got != job.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}
	j, _ := f.jobs.Get(ctx, "j1")
	if j.TotalChunks != 1 || j.TranslatedChunks != 1 {
		t.Errorf("chunks = %d/%d, want 1/1", j.TranslatedChunks, j.TotalChunks)
	}
	if j.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}

	result, err := f.store.Get(ctx, storage.ResultKey("j1"))
	if err != nil {
		t.Fatalf("result missing: %v", err)
	}
	if string(result) != "translated: a handful of words only\n" {
		t.Errorf("result = %q", result)
	}
}

func TestRunParallelFanOutAssemblesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &gemini.MockTranslator{}, 8)

	// Six paragraphs of six words each against a 10-token window: one
	// chunk per paragraph, translated out of order by the pool.
	paras := make([]string, 6)
	for i := range paras {
		paras[i] = strings.TrimSpace(strings.Repeat("w"+string(rune('a'+i))+" ", 6))
	}
	document := strings.Join(paras, "\n\n") + "\n"
	f.seedUploaded(t, document)

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	j, _ := f.jobs.Get(ctx, "j1")
	if j.State != job.StateCompleted || j.TotalChunks != 6 || j.TranslatedChunks != 6 {
		t.Fatalf("job = %s %d/%d", j.State, j.TranslatedChunks, j.TotalChunks)
	}

	result, err := f.store.Get(ctx, storage.ResultKey("j1"))
	if err != nil {
		t.Fatal(err)
	}
	// Index order: each chunk's translation appears in source order.
	prev := -1
	for i := range paras {
		marker := "w" + string(rune('a'+i))
		pos := strings.Index(string(result), marker)
		if pos < 0 {
			t.Fatalf("chunk %d missing from result", i)
		}
		if pos < prev {
			t.Errorf("chunk %d assembled out of order", i)
		}
		prev = pos
	}
}

func TestRunChunkingFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &gemini.MockTranslator{}, 2)
	f.seedUploaded(t, "\n\n   \n")

	err := f.orch.Run(ctx, "j1")
	if err == nil {
		t.Fatal("expected chunking error")
	}
	if got := f.state(t); got != job.StateChunkingFailed {
		t.Fatalf("state = %s, want CHUNKING_FAILED", got)
	}
	j, _ := f.jobs.Get(ctx, "j1")
	if j.Error == nil || j.Error.Kind != string(apperrors.KindChunking) {
		t.Errorf("error descriptor = %+v", j.Error)
	}
}

func TestRunPermanentFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	mock := &gemini.MockTranslator{Script: []gemini.MockResult{
		{Response: &gemini.Response{TranslatedText: "ok one"}},
		{Err: apperrors.BadRequest(errors.New("prompt rejected"))},
	}}
	f := newFixture(t, mock, 1)
	document := "one two three four five six\n\nseven eight nine ten eleven twelve\n\nlast chunk of the document here\n"
	f.seedUploaded(t, document)

	err := f.orch.Run(ctx, "j1")
	if err == nil {
		t.Fatal("expected job failure")
	}
	if got := f.state(t); got != job.StateFailed {
		t.Fatalf("state = %s, want FAILED", got)
	}
	j, _ := f.jobs.Get(ctx, "j1")
	if j.Error == nil || j.Error.Kind != string(apperrors.KindBadRequest) {
		t.Errorf("error descriptor = %+v", j.Error)
	}
	// The chunk that succeeded before the failure keeps its artifact.
	if _, err := f.store.Get(ctx, storage.TranslatedKey("j1", 0)); err != nil {
		t.Error("successful chunk artifact should remain")
	}
	// Permanent errors skip the backoff path entirely.
	if len(f.slept) != 0 {
		t.Errorf("orchestrator slept %d times for a permanent error", len(f.slept))
	}
}

func TestRunTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	mock := &gemini.MockTranslator{Script: []gemini.MockResult{
		{Err: apperrors.Transient(errors.New("upstream 503"))},
		{Response: &gemini.Response{TranslatedText: "recovered"}},
	}}
	f := newFixture(t, mock, 1)
	f.seedUploaded(t, "five small words in here\n")

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := f.state(t); got != job.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}
	if len(f.slept) != 1 {
		t.Errorf("slept %d times, want 1 backoff", len(f.slept))
	}
	if mock.Calls() != 2 {
		t.Errorf("LLM calls = %d, want 2", mock.Calls())
	}
}

func TestRunExhaustedRetriesFailPermanent(t *testing.T) {
	ctx := context.Background()
	// A single script entry repeats: the upstream never recovers.
	mock := &gemini.MockTranslator{Script: []gemini.MockResult{
		{Err: apperrors.Transient(errors.New("upstream 503"))},
	}}
	f := newFixture(t, mock, 1)
	f.seedUploaded(t, "five small words in here\n")

	err := f.orch.Run(ctx, "j1")
	if err == nil {
		t.Fatal("expected job failure")
	}
	if got := f.state(t); got != job.StateFailed {
		t.Fatalf("state = %s, want FAILED", got)
	}
	// The attempt budget is spent; the recorded failure must not invite
	// another retry.
	j, _ := f.jobs.Get(ctx, "j1")
	if j.Error == nil || j.Error.Kind != string(apperrors.KindPermanent) {
		t.Errorf("error descriptor = %+v, want kind permanent", j.Error)
	}
	if mock.Calls() != 3 {
		t.Errorf("LLM calls = %d, want the full attempt budget of 3", mock.Calls())
	}
	if len(f.slept) != 2 {
		t.Errorf("slept %d times, want 2 backoffs", len(f.slept))
	}
}

func TestRunResumeSchedulesOnlyMissing(t *testing.T) {
	ctx := context.Background()
	mock := &gemini.MockTranslator{}
	f := newFixture(t, mock, 4)

	// A crashed run left the job TRANSLATING with chunk 1 already done.
	j := &job.Job{ID: "j1", Owner: "alice", TargetLanguage: "ko", Tone: "neutral", State: job.StatePendingUpload}
	if err := f.jobs.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	for _, tr := range [][2]job.State{
		{job.StatePendingUpload, job.StateUploaded},
		{job.StateUploaded, job.StateChunking},
		{job.StateChunking, job.StateChunked},
		{job.StateChunked, job.StateTranslating},
	} {
		if _, err := f.jobs.Transition(ctx, "j1", tr[0], tr[1], func(jb *job.Job) { jb.TotalChunks = 3 }); err != nil {
			t.Fatal(err)
		}
	}
	var manifest []job.Chunk
	for i := 0; i < 3; i++ {
		desc := job.Chunk{
			JobID:         "j1",
			Index:         i,
			SourceKey:     storage.ChunkKey("j1", i),
			TranslatedKey: storage.TranslatedKey("j1", i),
		}
		manifest = append(manifest, desc)
		if err := f.store.Put(ctx, desc.SourceKey, []byte("chunk source\n")); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.jobs.PutChunks(ctx, "j1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Put(ctx, storage.TranslatedKey("j1", 1), []byte("already done\n")); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := f.state(t); got != job.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}
	if mock.Calls() != 2 {
		t.Errorf("LLM calls = %d, want only the 2 missing chunks", mock.Calls())
	}
	// The pre-crash artifact survives in the assembled result.
	result, _ := f.store.Get(ctx, storage.ResultKey("j1"))
	if !strings.Contains(string(result), "already done") {
		t.Error("resume must keep existing artifacts")
	}
	jb, _ := f.jobs.Get(ctx, "j1")
	if jb.TranslatedChunks != jb.TotalChunks {
		t.Errorf("terminal counters = %d/%d", jb.TranslatedChunks, jb.TotalChunks)
	}
}

// cancelingTranslator cancels the job from the outside after its first
// successful call, the way an operator hitting the cancel endpoint
// mid-flight would.
type cancelingTranslator struct {
	jobs   job.Store
	jobID  string
	fired  atomic.Bool
	calls  atomic.Int32
	cancel func()
}

func (c *cancelingTranslator) Translate(ctx context.Context, request gemini.Request) (*gemini.Response, error) {
	c.calls.Add(1)
	if c.fired.CompareAndSwap(false, true) {
		if _, err := c.jobs.Transition(context.Background(), c.jobID, job.StateTranslating, job.StateCanceled, nil); err != nil {
			return nil, err
		}
	}
	return &gemini.Response{TranslatedText: "done"}, nil
}

func TestRunCancellationStopsWorkers(t *testing.T) {
	ctx := context.Background()
	mock := &cancelingTranslator{jobID: "j1"}
	f := newFixture(t, mock, 1)
	mock.jobs = f.jobs
	document := "one two three four five six\n\nseven eight nine ten eleven twelve\n\nlast chunk of the document here\n"
	f.seedUploaded(t, document)

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("Run should treat cancellation as a clean stop, got %v", err)
	}
	if got := f.state(t); got != job.StateCanceled {
		t.Fatalf("state = %s, want CANCELED", got)
	}
	// The worker checks job state before every call: only the first
	// chunk reached the model.
	if got := mock.calls.Load(); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}
}

func TestRunTerminalJobIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &gemini.MockTranslator{}, 2)
	f.seedUploaded(t, "tiny document with five words\n")

	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	// A duplicate trigger after completion does nothing.
	if err := f.orch.Run(ctx, "j1"); err != nil {
		t.Fatalf("second Run = %v, want nil", err)
	}
	if got := f.state(t); got != job.StateCompleted {
		t.Errorf("state = %s after duplicate trigger", got)
	}
}
