// Package ratelimit admits LLM calls against shared per-account quotas.
// Three windows are enforced at once: requests per minute, tokens per
// minute, and requests per day. Counters live in a strongly-consistent
// store so every worker process charges the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Window identifies one quota counter of an account.
type Window string

const (
	RequestsPerMinute Window = "requests_per_minute"
	TokensPerMinute   Window = "tokens_per_minute"
	RequestsPerDay    Window = "requests_per_day"
)

// Windows lists the enforced counters in charge order.
var Windows = []Window{RequestsPerMinute, TokensPerMinute, RequestsPerDay}

// Bucket is the persisted state of one counter. Version backs the
// compare-and-swap on update; a missing bucket reads as the zero value.
type Bucket struct {
	Count         int64     `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
	Version       int64     `json:"version"`
}

// Store persists buckets. GetAll must be a consistent snapshot of the
// account's three buckets; UpdateAll must fail with ErrVersionConflict
// when any bucket's stored version differs from the one read.
type Store interface {
	GetAll(ctx context.Context, account string) (map[Window]Bucket, error)
	UpdateAll(ctx context.Context, account string, prev, next map[Window]Bucket) error
}

// ErrVersionConflict reports that a concurrent acquire charged the
// account between our read and our conditional write.
var ErrVersionConflict = errors.New("bucket version conflict")

// Limits holds the per-account quota configuration.
type Limits struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
	RequestsPerDay    int64
}

// Result classifies an admission decision.
type Result int

const (
	// Granted means capacity was reserved in all three windows.
	Granted Result = iota
	// Retry means a window is full; retry after Decision.RetryAfter.
	Retry
	// Denied means the call cannot be admitted before the deadline, the
	// charge can never fit, or the store is unavailable.
	Denied
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case Retry:
		return "retry"
	default:
		return "denied"
	}
}

// Decision is the outcome of one Acquire.
type Decision struct {
	Result     Result
	RetryAfter time.Duration
}

const (
	casAttempts = 8
	// Returned as RetryAfter when conditional updates keep losing, so
	// the caller backs off instead of spinning against the store.
	contentionBackoff = 200 * time.Millisecond
)

// Limiter charges the three windows of an account atomically. It never
// fails open: any store trouble yields Denied, because unchecked calls
// would burn quota the counters cannot see.
type Limiter struct {
	store  Store
	limits Limits
	zone   *time.Location
	now    func() time.Time
}

// New builds a limiter. zoneName anchors the daily reset; empty means
// UTC. Limits must all be positive.
func New(store Store, limits Limits, zoneName string) (*Limiter, error) {
	if limits.RequestsPerMinute <= 0 || limits.TokensPerMinute <= 0 || limits.RequestsPerDay <= 0 {
		return nil, fmt.Errorf("all rate limits must be positive, got %+v", limits)
	}
	zone := time.UTC
	if zoneName != "" {
		var err error
		zone, err = time.LoadLocation(zoneName)
		if err != nil {
			return nil, fmt.Errorf("invalid day boundary zone %q: %w", zoneName, err)
		}
	}
	return &Limiter{store: store, limits: limits, zone: zone, now: time.Now}, nil
}

// SetClock overrides the limiter clock. Test helper.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Acquire reserves one request plus tokensIn+tokensOut tokens for the
// account, or explains when to come back. A non-nil error always pairs
// with a Denied decision.
func (l *Limiter) Acquire(ctx context.Context, account string, tokensIn, tokensOut int64, deadline time.Time) (Decision, error) {
	tokenCharge := tokensIn + tokensOut
	if tokenCharge > l.limits.TokensPerMinute {
		// No window reset will ever make this fit.
		return Decision{Result: Denied}, fmt.Errorf("charge of %d tokens exceeds the per-minute limit of %d", tokenCharge, l.limits.TokensPerMinute)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{Result: Denied}, err
		}
		now := l.now().UTC()

		prev, err := l.store.GetAll(ctx, account)
		if err != nil {
			return Decision{Result: Denied}, fmt.Errorf("rate limit store read: %w", err)
		}

		next := make(map[Window]Bucket, len(Windows))
		var retryAfter time.Duration
		blocked := false
		for _, w := range Windows {
			b := prev[w]
			if !now.Before(b.WindowResetAt) {
				b.Count = 0
				b.WindowResetAt = l.nextReset(w, now)
			}
			charge := l.charge(w, tokenCharge)
			if b.Count+charge > l.limit(w) {
				wait := b.WindowResetAt.Sub(now)
				if !blocked || wait < retryAfter {
					retryAfter = wait
				}
				blocked = true
				continue
			}
			b.Count += charge
			b.Version = prev[w].Version + 1
			next[w] = b
		}

		if blocked {
			if !deadline.IsZero() && now.Add(retryAfter).After(deadline) {
				return Decision{Result: Denied}, nil
			}
			return Decision{Result: Retry, RetryAfter: retryAfter}, nil
		}

		err = l.store.UpdateAll(ctx, account, prev, next)
		if err == nil {
			return Decision{Result: Granted}, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return Decision{Result: Denied}, fmt.Errorf("rate limit store write: %w", err)
	}

	// Persistent contention. Hand the backoff to the caller.
	now := l.now().UTC()
	if !deadline.IsZero() && now.Add(contentionBackoff).After(deadline) {
		return Decision{Result: Denied}, nil
	}
	return Decision{Result: Retry, RetryAfter: contentionBackoff}, nil
}

// Release credits back over-estimated tokens after the actual usage is
// known. Best effort: a conflicted or failed write is dropped, the
// estimate simply stays charged.
func (l *Limiter) Release(ctx context.Context, account string, estimated, actual int64) error {
	refund := estimated - actual
	if refund <= 0 {
		return nil
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		prev, err := l.store.GetAll(ctx, account)
		if err != nil {
			return fmt.Errorf("rate limit store read: %w", err)
		}
		b := prev[TokensPerMinute]
		if !l.now().UTC().Before(b.WindowResetAt) || b.Count == 0 {
			// The window the charge landed in is already gone.
			return nil
		}
		b.Count -= refund
		if b.Count < 0 {
			b.Count = 0
		}
		b.Version = prev[TokensPerMinute].Version + 1
		err = l.store.UpdateAll(ctx, account, map[Window]Bucket{TokensPerMinute: prev[TokensPerMinute]}, map[Window]Bucket{TokensPerMinute: b})
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return nil
}

func (l *Limiter) limit(w Window) int64 {
	switch w {
	case RequestsPerMinute:
		return l.limits.RequestsPerMinute
	case TokensPerMinute:
		return l.limits.TokensPerMinute
	default:
		return l.limits.RequestsPerDay
	}
}

func (l *Limiter) charge(w Window, tokenCharge int64) int64 {
	if w == TokensPerMinute {
		return tokenCharge
	}
	return 1
}

// nextReset computes the expiry of a fresh window starting at now. The
// daily window is anchored to midnight in the configured zone and the
// boundary is stored in UTC, so DST shifts cannot double-reset it.
func (l *Limiter) nextReset(w Window, now time.Time) time.Time {
	if w == RequestsPerDay {
		local := now.In(l.zone)
		midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, l.zone)
		return midnight.UTC()
	}
	return now.Add(time.Minute)
}
