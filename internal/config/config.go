// Package config holds the service configuration and its bounds.
package config

import (
	"fmt"
	"time"

	"github.com/oukeidos/folio/internal/chunker"
	"github.com/oukeidos/folio/internal/orchestrator"
	"github.com/oukeidos/folio/internal/ratelimit"
	"github.com/oukeidos/folio/internal/worker"
)

// Config holds everything a folio process needs to run.
type Config struct {
	// API Configuration
	APIKey  string
	Model   string
	Account string

	// Service surface
	ListenAddr string

	// Backing stores. RedisAddr empty selects the in-process stores;
	// DataDir empty selects the in-memory object store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	DataDir       string

	// Chunking
	TargetChunkTokens int
	OverlapTokens     int
	TokenEncoding     string

	// Translation
	MaxConcurrency   int
	ChunkMaxAttempts int
	ChunkCallTimeout time.Duration
	ChunkTotalTime   time.Duration
	JobTotalTimeout  time.Duration
	OutputTokenRatio float64

	// Rate limiting
	RateLimits          ratelimit.Limits
	DayBoundaryZone     string
	RateLimitMaxRetries int

	// Upload validation
	MaxUploadBytes int64
}

const (
	DefaultModel          = "gemini-2.5-flash"
	DefaultListenAddr     = ":8080"
	DefaultKeyPrefix      = "folio"
	DefaultMaxUploadBytes = 100 << 20

	// Default per-account quotas, matching the provider's free tier.
	DefaultRequestsPerMinute = 10
	DefaultTokensPerMinute   = 250000
	DefaultRequestsPerDay    = 250
)

// Default returns a Config with every tunable at its default.
func Default() Config {
	return Config{
		Model:             DefaultModel,
		Account:           "default",
		ListenAddr:        DefaultListenAddr,
		KeyPrefix:         DefaultKeyPrefix,
		TargetChunkTokens: chunker.DefaultTargetTokens,
		OverlapTokens:     chunker.DefaultOverlapTokens,
		MaxConcurrency:    orchestrator.DefaultMaxConcurrency,
		ChunkMaxAttempts:  orchestrator.DefaultChunkMaxAttempts,
		ChunkCallTimeout:  worker.DefaultCallTimeout,
		ChunkTotalTime:    worker.DefaultTotalTimeout,
		JobTotalTimeout:   orchestrator.DefaultJobTotalTimeout,
		OutputTokenRatio:  worker.DefaultOutputRatio,
		RateLimits: ratelimit.Limits{
			RequestsPerMinute: DefaultRequestsPerMinute,
			TokensPerMinute:   DefaultTokensPerMinute,
			RequestsPerDay:    DefaultRequestsPerDay,
		},
		RateLimitMaxRetries: worker.DefaultRateLimitMaxRetries,
		MaxUploadBytes:      DefaultMaxUploadBytes,
	}
}

// Normalize applies safe bounds to config values and returns any adjustments.
func (c Config) Normalize() (Config, []string) {
	var notes []string
	if clamped, changed := orchestrator.ClampConcurrency(c.MaxConcurrency); changed {
		notes = append(notes, fmt.Sprintf("max-concurrency clamped from %d to %d (range %d-%d)",
			c.MaxConcurrency, clamped, orchestrator.MinConcurrency, orchestrator.MaxConcurrency))
		c.MaxConcurrency = clamped
	}
	if c.OverlapTokens >= c.TargetChunkTokens && c.TargetChunkTokens > 0 {
		adjusted := c.TargetChunkTokens / 10
		notes = append(notes, fmt.Sprintf("overlap-tokens clamped from %d to %d (must stay below target %d)",
			c.OverlapTokens, adjusted, c.TargetChunkTokens))
		c.OverlapTokens = adjusted
	}
	if c.OutputTokenRatio <= 0 {
		notes = append(notes, fmt.Sprintf("output-token-ratio %g replaced with default %g", c.OutputTokenRatio, worker.DefaultOutputRatio))
		c.OutputTokenRatio = worker.DefaultOutputRatio
	}
	return c, notes
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.TargetChunkTokens <= 0 {
		return fmt.Errorf("targetChunkTokens must be greater than 0, got %d", c.TargetChunkTokens)
	}
	if c.OverlapTokens < 0 {
		return fmt.Errorf("overlapTokens must be 0 or greater, got %d", c.OverlapTokens)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("maxConcurrency must be greater than 0, got %d", c.MaxConcurrency)
	}
	if c.ChunkMaxAttempts <= 0 {
		return fmt.Errorf("chunkMaxAttempts must be greater than 0, got %d", c.ChunkMaxAttempts)
	}
	if c.RateLimits.RequestsPerMinute <= 0 || c.RateLimits.TokensPerMinute <= 0 || c.RateLimits.RequestsPerDay <= 0 {
		return fmt.Errorf("all rate limits must be positive, got %+v", c.RateLimits)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("maxUploadBytes must be greater than 0, got %d", c.MaxUploadBytes)
	}
	return nil
}
