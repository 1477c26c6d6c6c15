// Package worker translates single chunks. Each invocation is
// idempotent: the translated artifact is a whole-object write and the
// progress credit is conditional, so duplicate deliveries of the same
// (job, index) pair cannot double-count.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/oukeidos/folio/internal/apperrors"
	"github.com/oukeidos/folio/internal/gemini"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/language"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/ratelimit"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/rivo/uniseg"
)

// ErrJobStopped reports that the job left the TRANSLATING state while
// the work item was queued or between attempts. It is not a failure of
// the chunk.
var ErrJobStopped = errors.New("job is no longer translating")

// Config holds the per-worker tunables.
type Config struct {
	// Account is the upstream API account whose quota the worker
	// charges.
	Account string
	// DefaultOutputRatio converts estimated input tokens to estimated
	// output tokens when the target language has no override.
	DefaultOutputRatio float64
	// RateLimitMaxRetries caps how many RetryAfter rounds one attempt
	// will sit through before giving up transiently.
	RateLimitMaxRetries int
	// CallTimeout bounds the LLM call itself.
	CallTimeout time.Duration
	// TotalTimeout bounds one translate_chunk invocation end to end,
	// including rate-limit waits.
	TotalTimeout time.Duration
}

const (
	DefaultOutputRatio         = 1.0
	DefaultRateLimitMaxRetries = 5
	DefaultCallTimeout         = 60 * time.Second
	DefaultTotalTimeout        = 10 * time.Minute

	// A translation whose grapheme count explodes past this multiple of
	// the source is a runaway generation, not a translation.
	maxOutputBlowup = 8
)

// TokenCounter estimates prompt size for rate-limiter charging.
type TokenCounter interface {
	Count(text string) int
}

// Result reports a successful chunk translation.
type Result struct {
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
	// Credited is false when another worker already counted this chunk.
	Credited bool
}

// Worker translates one chunk at a time.
type Worker struct {
	jobs       job.Store
	store      storage.Store
	limiter    *ratelimit.Limiter
	translator gemini.Translator
	counter    TokenCounter
	cfg        Config

	// sleep is swapped out by tests so backoff does not stall them.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(jobs job.Store, store storage.Store, limiter *ratelimit.Limiter, translator gemini.Translator, counter TokenCounter, cfg Config) (*Worker, error) {
	if cfg.DefaultOutputRatio <= 0 {
		cfg.DefaultOutputRatio = DefaultOutputRatio
	}
	if cfg.RateLimitMaxRetries <= 0 {
		cfg.RateLimitMaxRetries = DefaultRateLimitMaxRetries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	if translator == nil {
		return nil, errors.New("translator is required")
	}
	return &Worker{
		jobs:       jobs,
		store:      store,
		limiter:    limiter,
		translator: translator,
		counter:    counter,
		cfg:        cfg,
		sleep:      sleepCtx,
	}, nil
}

// TranslateChunk runs the full per-chunk procedure: load the
// descriptor, read the source, reserve quota, call the model, persist
// the artifact and credit progress.
func (w *Worker) TranslateChunk(ctx context.Context, jobID string, index int) (*Result, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TotalTimeout)
	defer cancel()

	desc, err := w.jobs.GetChunk(ctx, jobID, index)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, apperrors.Permanent(fmt.Errorf("chunk descriptor %s/%d missing", jobID, index))
		}
		return nil, apperrors.Transient(fmt.Errorf("load chunk descriptor: %w", err))
	}

	source, err := w.store.Get(ctx, desc.SourceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Permanent(fmt.Errorf("chunk source %s missing", desc.SourceKey))
		}
		return nil, apperrors.Transient(fmt.Errorf("read chunk source: %w", err))
	}

	j, err := w.currentJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	request := gemini.Request{
		SourceText:      string(source),
		PreviousSummary: desc.PreviousSummary,
		TargetLanguage:  language.DisplayName(j.TargetLanguage),
		Tone:            j.Tone,
	}

	tokensIn := int64(w.counter.Count(gemini.BuildPrompt(request)))
	ratio := language.OutputRatio(j.TargetLanguage, w.cfg.DefaultOutputRatio)
	tokensOut := int64(float64(tokensIn) * ratio)

	if err := w.acquire(ctx, tokensIn, tokensOut); err != nil {
		return nil, err
	}

	// Cancellation gate: never burn an LLM call for a job that has
	// already stopped.
	if _, err := w.currentJob(ctx, jobID); err != nil {
		return nil, err
	}

	callCtx, cancelCall := context.WithTimeout(ctx, w.cfg.CallTimeout)
	resp, err := w.translator.Translate(callCtx, request)
	cancelCall()
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Transient(fmt.Errorf("chunk %s/%d timed out after %s", jobID, index, w.cfg.CallTimeout))
		}
		return nil, err
	}

	if err := validateOutput(string(source), resp.TranslatedText); err != nil {
		return nil, apperrors.Validation(err)
	}

	actualIn, actualOut := actualUsage(resp, tokensIn, tokensOut)
	if w.limiter != nil {
		if err := w.limiter.Release(ctx, w.cfg.Account, tokensIn+tokensOut, actualIn+actualOut); err != nil {
			logger.Warn("Token refund failed; estimate stays charged", "job_id", jobID, "index", index, "error", err)
		}
	}

	// Whole-object put: rerunning this chunk overwrites the artifact
	// with an equally valid translation, last write wins.
	if err := w.store.Put(ctx, desc.TranslatedKey, []byte(resp.TranslatedText)); err != nil {
		return nil, apperrors.Transient(fmt.Errorf("write translated artifact: %w", err))
	}

	_, credited, err := w.jobs.CreditChunk(ctx, jobID, index, actualIn, actualOut)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, apperrors.Permanent(fmt.Errorf("job %s vanished before credit", jobID))
		}
		return nil, apperrors.Transient(fmt.Errorf("credit chunk: %w", err))
	}
	if !credited {
		logger.Debug("Chunk already credited by another worker", "job_id", jobID, "index", index)
	}

	return &Result{
		InputTokens:  actualIn,
		OutputTokens: actualOut,
		Latency:      time.Since(started),
		Credited:     credited,
	}, nil
}

// currentJob loads the job and enforces the cancellation contract.
func (w *Worker) currentJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, apperrors.Permanent(fmt.Errorf("job %s not found", jobID))
		}
		return nil, apperrors.Transient(fmt.Errorf("load job: %w", err))
	}
	if j.State != job.StateTranslating {
		return nil, fmt.Errorf("%w: state is %s", ErrJobStopped, j.State)
	}
	return j, nil
}

// acquire reserves quota, sitting through a bounded number of
// RetryAfter rounds. Starvation and store trouble both surface as
// transient errors; the caller's retry budget decides what to do.
func (w *Worker) acquire(ctx context.Context, tokensIn, tokensOut int64) error {
	if w.limiter == nil {
		return nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(w.cfg.TotalTimeout)
	}
	for attempt := 0; attempt < w.cfg.RateLimitMaxRetries; attempt++ {
		decision, err := w.limiter.Acquire(ctx, w.cfg.Account, tokensIn, tokensOut, deadline)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("rate limiter: %w", err))
		}
		switch decision.Result {
		case ratelimit.Granted:
			return nil
		case ratelimit.Retry:
			wait := decision.RetryAfter + time.Duration(rand.Int63n(int64(time.Second)))
			logger.Debug("Rate limit window full; waiting", "retry_after", decision.RetryAfter, "attempt", attempt+1)
			if err := w.sleep(ctx, wait); err != nil {
				return apperrors.Transient(err)
			}
		case ratelimit.Denied:
			return apperrors.Transient(errors.New("rate limiter denied the request before the deadline"))
		}
	}
	return apperrors.Transient(fmt.Errorf("rate limit window still full after %d waits", w.cfg.RateLimitMaxRetries))
}

// validateOutput rejects runaway generations. Graphemes, not bytes:
// CJK and combining scripts legitimately change byte counts a lot.
func validateOutput(source, translated string) error {
	if translated == "" {
		return errors.New("model returned an empty translation")
	}
	srcGraphemes := uniseg.GraphemeClusterCount(source)
	outGraphemes := uniseg.GraphemeClusterCount(translated)
	if srcGraphemes > 0 && outGraphemes > srcGraphemes*maxOutputBlowup {
		return fmt.Errorf("translation blew up to %d graphemes from %d source graphemes", outGraphemes, srcGraphemes)
	}
	return nil
}

// actualUsage prefers the API's reported token counts and falls back
// to the estimates when the response carries none.
func actualUsage(resp *gemini.Response, estimatedIn, estimatedOut int64) (int64, int64) {
	in, out := estimatedIn, estimatedOut
	if resp.Usage.PromptTokenCount > 0 {
		in = int64(resp.Usage.PromptTokenCount)
	}
	if resp.Usage.CandidatesTokenCount > 0 {
		out = int64(resp.Usage.CandidatesTokenCount)
	}
	return in, out
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
