// Package orchestrator drives a job through its state machine:
// chunking, bounded parallel translation, assembly. Every transition
// is a conditional write, so duplicate triggers and competing
// processes lose the race instead of corrupting the job.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/chunker"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/oukeidos/folio/internal/worker"
)

// ChunkRunner splits one job's document. *chunker.Chunker satisfies it.
type ChunkRunner interface {
	Chunk(ctx context.Context, jobID string) (*chunker.Result, error)
}

// ChunkTranslator translates one chunk. *worker.Worker satisfies it.
type ChunkTranslator interface {
	TranslateChunk(ctx context.Context, jobID string, index int) (*worker.Result, error)
}

// Config holds the orchestration tunables.
type Config struct {
	// MaxConcurrency bounds the per-job translation fan-out.
	MaxConcurrency int
	// ChunkMaxAttempts caps retries for one work item.
	ChunkMaxAttempts int
	// RetryBaseDelay seeds the per-item exponential backoff (2s, 4s,
	// 8s with the default).
	RetryBaseDelay time.Duration
	// JobTotalTimeout bounds one orchestration run end to end.
	JobTotalTimeout time.Duration
}

const (
	DefaultMaxConcurrency   = 10
	MinConcurrency          = 1
	MaxConcurrency          = 20
	DefaultChunkMaxAttempts = 3
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultJobTotalTimeout  = 6 * time.Hour
)

// ClampConcurrency bounds a requested fan-out to the supported range.
func ClampConcurrency(value int) (int, bool) {
	if value < MinConcurrency {
		return MinConcurrency, true
	}
	if value > MaxConcurrency {
		return MaxConcurrency, true
	}
	return value, false
}

// Orchestrator runs jobs. One instance is safe for concurrent use
// across jobs; per-job exclusivity comes from conditional transitions,
// not from locks in here.
type Orchestrator struct {
	jobs    job.Store
	store   storage.Store
	chunker ChunkRunner
	worker  ChunkTranslator
	cfg     Config

	sleep func(ctx context.Context, d time.Duration) error
}

func New(jobs job.Store, store storage.Store, chunkRunner ChunkRunner, chunkWorker ChunkTranslator, cfg Config) (*Orchestrator, error) {
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	} else if clamped, changed := ClampConcurrency(cfg.MaxConcurrency); changed {
		logger.Warn("Concurrency clamped", "requested", cfg.MaxConcurrency, "effective", clamped)
		cfg.MaxConcurrency = clamped
	}
	if cfg.ChunkMaxAttempts <= 0 {
		cfg.ChunkMaxAttempts = DefaultChunkMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.JobTotalTimeout <= 0 {
		cfg.JobTotalTimeout = DefaultJobTotalTimeout
	}
	return &Orchestrator{
		jobs:    jobs,
		store:   store,
		chunker: chunkRunner,
		worker:  chunkWorker,
		cfg:     cfg,
		sleep:   sleepCtx,
	}, nil
}

// Run drives jobID forward from whatever state it is in. Safe to call
// again after a crash: finished work is detected, not redone. A nil
// return means this run has nothing further to do, including the case
// where another orchestrator owns the job.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.JobTotalTimeout)
	defer cancel()

	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch j.State {
	case job.StateUploaded:
		if _, err := o.jobs.Transition(ctx, jobID, job.StateUploaded, job.StateChunking, nil); err != nil {
			if errors.Is(err, job.ErrStateConflict) {
				logger.Info("Job claimed by another orchestrator", "job_id", jobID)
				return nil
			}
			return err
		}
		if err := o.chunkPhase(ctx, jobID); err != nil {
			return err
		}
		return o.translatePhase(ctx, jobID)
	case job.StateChunking:
		// A previous run died mid-chunking. Chunking is deterministic
		// and chunk writes are idempotent, so just redo it.
		if err := o.chunkPhase(ctx, jobID); err != nil {
			return err
		}
		return o.translatePhase(ctx, jobID)
	case job.StateChunked:
		return o.translatePhase(ctx, jobID)
	case job.StateTranslating:
		return o.resume(ctx, jobID)
	default:
		logger.Debug("Nothing to orchestrate", "job_id", jobID, "state", string(j.State))
		return nil
	}
}

// chunkPhase runs the chunker and lands the manifest, moving
// CHUNKING -> CHUNKED. A chunking failure is terminal for the job.
func (o *Orchestrator) chunkPhase(ctx context.Context, jobID string) error {
	res, err := o.chunker.Chunk(ctx, jobID)
	if err != nil {
		o.failChunking(ctx, jobID, err)
		return err
	}

	if err := o.jobs.PutChunks(ctx, jobID, res.Chunks); err != nil {
		o.failChunking(ctx, jobID, fmt.Errorf("store chunk manifest: %w", err))
		return err
	}

	total := res.TotalChunks
	if _, err := o.jobs.Transition(ctx, jobID, job.StateChunking, job.StateChunked, func(j *job.Job) {
		j.TotalChunks = total
		j.TranslatedChunks = 0
	}); err != nil {
		return err
	}
	logger.Info("Chunking finished", "job_id", jobID, "total_chunks", total)
	return nil
}

func (o *Orchestrator) failChunking(ctx context.Context, jobID string, cause error) {
	logger.Error("Chunking failed", "job_id", jobID, "error", cause)
	desc := errorDescriptor(cause)
	if _, err := o.jobs.Transition(ctx, jobID, job.StateChunking, job.StateChunkingFailed, func(j *job.Job) {
		j.Error = desc
	}); err != nil {
		logger.Error("Could not record chunking failure", "job_id", jobID, "error", err)
		return
	}
	// Partially written chunk objects are garbage now.
	if err := o.store.DeletePrefix(ctx, storage.ChunkPrefix(jobID)); err != nil {
		logger.Warn("Chunk artifact cleanup failed", "job_id", jobID, "error", err)
	}
}

// translatePhase moves CHUNKED -> TRANSLATING and fans out over every
// chunk.
func (o *Orchestrator) translatePhase(ctx context.Context, jobID string) error {
	j, err := o.jobs.Transition(ctx, jobID, job.StateChunked, job.StateTranslating, nil)
	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			logger.Info("Translate phase claimed elsewhere", "job_id", jobID)
			return nil
		}
		return err
	}
	return o.fanOut(ctx, jobID, j.TotalChunks, sequence(j.TotalChunks))
}

// resume recomputes the missing work set from the artifacts already in
// the object store and schedules only those. Crash recovery path.
func (o *Orchestrator) resume(ctx context.Context, jobID string) error {
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != job.StateTranslating {
		return nil
	}

	done := make(map[int]bool)
	keys, err := o.store.List(ctx, storage.TranslatedPrefix(jobID))
	if err != nil {
		return fmt.Errorf("list translated artifacts: %w", err)
	}
	for _, key := range keys {
		idx, err := storage.ParseIndex(key)
		if err != nil {
			logger.Warn("Unparseable artifact key skipped", "key", key)
			continue
		}
		done[idx] = true
	}

	var missing []int
	for i := 0; i < j.TotalChunks; i++ {
		if !done[i] {
			missing = append(missing, i)
		}
	}
	logger.Info("Resuming translation", "job_id", jobID, "total_chunks", j.TotalChunks, "missing", len(missing))
	if len(missing) == 0 {
		return o.complete(ctx, jobID, j.TotalChunks)
	}
	return o.fanOut(ctx, jobID, j.TotalChunks, missing)
}

// itemOutcome is what one work item reports back.
type itemOutcome struct {
	index int
	err   error
}

// fanOut runs the indices through a bounded worker pool, then settles
// the job's terminal state.
func (o *Orchestrator) fanOut(ctx context.Context, jobID string, totalChunks int, indices []int) error {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan int, len(indices))
	for _, idx := range indices {
		queue <- idx
	}
	close(queue)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		stopped  bool
	)
	fail := func(idx int, err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = fmt.Errorf("chunk %d: %w", idx, err)
		}
		mu.Unlock()
		cancel()
	}

	for n := 0; n < o.cfg.MaxConcurrency; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				if poolCtx.Err() != nil {
					return
				}
				err := o.translateItem(poolCtx, jobID, idx)
				if err == nil {
					continue
				}
				if errors.Is(err, worker.ErrJobStopped) {
					mu.Lock()
					stopped = true
					mu.Unlock()
					cancel()
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				fail(idx, err)
				return
			}
		}()
	}
	wg.Wait()

	if stopped {
		logger.Info("Translation halted; job left the translating state", "job_id", jobID)
		return nil
	}
	if firstErr != nil {
		return o.fail(ctx, jobID, firstErr)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, jobID, fmt.Errorf("job timed out: %w", err))
	}
	return o.complete(ctx, jobID, totalChunks)
}

// translateItem runs one work item with the per-item retry budget.
func (o *Orchestrator) translateItem(ctx context.Context, jobID string, idx int) error {
	var err error
	for attempt := 1; attempt <= o.cfg.ChunkMaxAttempts; attempt++ {
		var res *worker.Result
		res, err = o.worker.TranslateChunk(ctx, jobID, idx)
		if err == nil {
			logger.Debug("Chunk translated", "job_id", jobID, "index", idx, "attempt", attempt, "latency", res.Latency)
			return nil
		}
		if errors.Is(err, worker.ErrJobStopped) || errors.Is(err, context.Canceled) {
			return err
		}
		retry, backoff := retryDecision(err, attempt, o.cfg.ChunkMaxAttempts, o.cfg.RetryBaseDelay)
		if !retry {
			break
		}
		logger.Warn("Chunk attempt failed; backing off", "job_id", jobID, "index", idx, "attempt", attempt, "backoff", backoff, "error", err)
		if serr := o.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	return err
}

// retryDecision mirrors the worker-facing policy: fatal kinds fail
// fast, retryable kinds back off exponentially with jitter.
func retryDecision(err error, attempt, maxAttempts int, base time.Duration) (bool, time.Duration) {
	if err == nil || attempt >= maxAttempts {
		return false, 0
	}
	if apperrors.IsJobFatal(err) {
		return false, 0
	}
	if !apperrors.IsRetryable(err) {
		return false, 0
	}
	backoff := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	return true, backoff + jitter
}

// complete assembles the result document and lands COMPLETED. The
// terminal write pins translated_chunks to total_chunks; the
// orchestrator, not the per-chunk counter, is the source of truth for
// a completed job.
func (o *Orchestrator) complete(ctx context.Context, jobID string, totalChunks int) error {
	if err := o.assemble(ctx, jobID, totalChunks); err != nil {
		return o.fail(ctx, jobID, err)
	}
	_, err := o.jobs.Transition(ctx, jobID, job.StateTranslating, job.StateCompleted, func(j *job.Job) {
		j.TranslatedChunks = j.TotalChunks
		j.Error = nil
	})
	if err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			return nil
		}
		return err
	}
	logger.Info("Job completed", "job_id", jobID, "total_chunks", totalChunks)
	return nil
}

// assemble concatenates the translated artifacts in index order into
// results/{job}.
func (o *Orchestrator) assemble(ctx context.Context, jobID string, totalChunks int) error {
	var buf bytes.Buffer
	for i := 0; i < totalChunks; i++ {
		data, err := o.store.Get(ctx, storage.TranslatedKey(jobID, i))
		if err != nil {
			return fmt.Errorf("assemble: read chunk %d: %w", i, err)
		}
		buf.Write(data)
	}
	if err := o.store.Put(ctx, storage.ResultKey(jobID), buf.Bytes()); err != nil {
		return fmt.Errorf("assemble: write result: %w", err)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) error {
	logger.Error("Job failed", "job_id", jobID, "error", cause)
	desc := errorDescriptor(cause)
	// FAILED is terminal. A retryable cause only lands here once its
	// attempt budget is spent, so the recorded kind is permanent.
	switch apperrors.Kind(desc.Kind) {
	case apperrors.KindTransient, apperrors.KindRateLimit, apperrors.KindValidation:
		desc.Kind = string(apperrors.KindPermanent)
	}
	_, err := o.jobs.Transition(ctx, jobID, job.StateTranslating, job.StateFailed, func(j *job.Job) {
		j.Error = desc
	})
	if err != nil && !errors.Is(err, job.ErrStateConflict) {
		return err
	}
	return cause
}

func errorDescriptor(cause error) *job.ErrorDescriptor {
	kind, ok := apperrors.KindOf(cause)
	if !ok {
		kind = apperrors.KindTransient
	}
	return &job.ErrorDescriptor{
		Kind:     string(kind),
		Message:  apperrors.PublicMessage(cause),
		FailedAt: time.Now().UTC(),
	}
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
