package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/oukeidos/folio/internal/api"
	"github.com/oukeidos/folio/internal/chunker"
	"github.com/oukeidos/folio/internal/cleanup"
	"github.com/oukeidos/folio/internal/config"
	"github.com/oukeidos/folio/internal/files"
	"github.com/oukeidos/folio/internal/gemini"
	"github.com/oukeidos/folio/internal/httpclient"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/orchestrator"
	"github.com/oukeidos/folio/internal/ratelimit"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/oukeidos/folio/internal/tokens"
	"github.com/oukeidos/folio/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	listenAddr    string
	dataDir       string
	redisAddr     string
	redisPassword string
	redisDB       int
	keyPrefix     string
	modelName     string
	account       string
	targetTokens  int
	overlapTokens int
	concurrency   int
	rpm           int64
	tpm           int64
	rpd           int64
	dayZone       string
	logFilePath   string
	allowEnv      bool
	envOnly       bool
	debug         bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the translation job service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &opts)
		},
		SilenceUsage: true,
	}

	cmd.SetUsageTemplate(subcommandUsageTemplate)
	cmd.Flags().StringVar(&opts.listenAddr, "listen", config.DefaultListenAddr, "Address to listen on")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Directory for document storage (empty: in-memory)")
	cmd.Flags().StringVar(&opts.redisAddr, "redis", "", "Redis address for job state and rate limits (empty: in-process)")
	cmd.Flags().StringVar(&opts.redisPassword, "redis-password", "", "Redis password")
	cmd.Flags().IntVar(&opts.redisDB, "redis-db", 0, "Redis database number")
	cmd.Flags().StringVar(&opts.keyPrefix, "key-prefix", config.DefaultKeyPrefix, "Redis key prefix")
	cmd.Flags().StringVar(&opts.modelName, "model", config.DefaultModel, "Gemini model name")
	cmd.Flags().StringVar(&opts.account, "account", "default", "Rate-limit account the service charges against")
	cmd.Flags().IntVar(&opts.targetTokens, "chunk-tokens", chunker.DefaultTargetTokens, "Target tokens per chunk")
	cmd.Flags().IntVar(&opts.overlapTokens, "overlap-tokens", chunker.DefaultOverlapTokens, "Context tokens carried between chunks")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", orchestrator.DefaultMaxConcurrency, "Per-job concurrent API requests (1-20)")
	cmd.Flags().Int64Var(&opts.rpm, "requests-per-minute", config.DefaultRequestsPerMinute, "Upstream request quota per minute")
	cmd.Flags().Int64Var(&opts.tpm, "tokens-per-minute", config.DefaultTokensPerMinute, "Upstream token quota per minute")
	cmd.Flags().Int64Var(&opts.rpd, "requests-per-day", config.DefaultRequestsPerDay, "Upstream request quota per day")
	cmd.Flags().StringVar(&opts.dayZone, "day-boundary-zone", "", "IANA zone anchoring the daily quota reset (empty: UTC)")
	cmd.Flags().StringVar(&opts.logFilePath, "log-file", "", "Path to save machine-readable JSONL logs")
	cmd.Flags().BoolVar(&opts.allowEnv, "allow-env", false, "Allow reading API key from environment variables")
	cmd.Flags().BoolVar(&opts.envOnly, "env-only", false, "Use only environment variables for API keys")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	logLevel := logger.LevelInfo
	if opts.debug {
		logLevel = logger.LevelDebug
	}
	var logFileW io.Writer
	if opts.logFilePath != "" {
		if err := files.RejectSymlinkPath(opts.logFilePath); err != nil {
			return err
		}
		f, err := os.OpenFile(opts.logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		cleanup.Register(f.Close)
		logFileW = f
	}
	logger.Init(logLevel, logFileW)

	actualKey, source, err := resolveAPIKey(opts.allowEnv, opts.envOnly)
	if err != nil {
		return err
	}
	logger.Info("Using API Key", "service", "gemini", "source", source)

	cfg := config.Default()
	cfg.APIKey = actualKey
	cfg.Model = opts.modelName
	cfg.Account = opts.account
	cfg.ListenAddr = opts.listenAddr
	cfg.DataDir = opts.dataDir
	cfg.RedisAddr = opts.redisAddr
	cfg.RedisPassword = opts.redisPassword
	cfg.RedisDB = opts.redisDB
	cfg.KeyPrefix = opts.keyPrefix
	cfg.TargetChunkTokens = opts.targetTokens
	cfg.OverlapTokens = opts.overlapTokens
	cfg.MaxConcurrency = opts.concurrency
	cfg.RateLimits.RequestsPerMinute = opts.rpm
	cfg.RateLimits.TokensPerMinute = opts.tpm
	cfg.RateLimits.RequestsPerDay = opts.rpd
	cfg.DayBoundaryZone = opts.dayZone

	cfg, notes := cfg.Normalize()
	for _, note := range notes {
		logger.Warn("Configuration adjusted", "note", note)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	var store storage.Store
	if cfg.DataDir != "" {
		fsStore, err := storage.NewFilesystem(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open data directory: %w", err)
		}
		store = fsStore
		logger.Info("Object store ready", "backend", "filesystem", "dir", cfg.DataDir)
	} else {
		store = storage.NewMemory()
		logger.Warn("Object store is in-memory; documents do not survive a restart")
	}

	var (
		jobs     job.Store
		rlStore  ratelimit.Store
		rlTarget = "in-process"
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		cleanup.Register(client.Close)
		jobs = job.NewRedisStore(client, cfg.KeyPrefix)
		rlStore = ratelimit.NewRedisStore(client, cfg.KeyPrefix)
		rlTarget = cfg.RedisAddr
		logger.Info("Job state ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		jobs = job.NewMemoryStore()
		rlStore = ratelimit.NewMemoryStore()
		logger.Warn("Job state is in-process; run a single instance or lose conditional-write guarantees")
	}

	limiter, err := ratelimit.New(rlStore, cfg.RateLimits, cfg.DayBoundaryZone)
	if err != nil {
		return err
	}
	logger.Info("Rate limiter ready", "backend", rlTarget,
		"requests_per_minute", cfg.RateLimits.RequestsPerMinute,
		"tokens_per_minute", cfg.RateLimits.TokensPerMinute,
		"requests_per_day", cfg.RateLimits.RequestsPerDay)

	client, err := gemini.NewClient(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		return err
	}
	cleanup.Register(client.Close)

	counter, err := tokens.NewCounter(cfg.TokenEncoding)
	if err != nil {
		return err
	}

	ch, err := chunker.New(counter, store, chunker.Config{
		TargetTokens:  cfg.TargetChunkTokens,
		OverlapTokens: cfg.OverlapTokens,
	})
	if err != nil {
		return err
	}
	w, err := worker.New(jobs, store, limiter, client, counter, worker.Config{
		Account:             cfg.Account,
		DefaultOutputRatio:  cfg.OutputTokenRatio,
		RateLimitMaxRetries: cfg.RateLimitMaxRetries,
		CallTimeout:         cfg.ChunkCallTimeout,
		TotalTimeout:        cfg.ChunkTotalTime,
	})
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(jobs, store, ch, w, orchestrator.Config{
		MaxConcurrency:   cfg.MaxConcurrency,
		ChunkMaxAttempts: cfg.ChunkMaxAttempts,
		JobTotalTimeout:  cfg.JobTotalTimeout,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(jobs, store, orch, cfg)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: httpclient.ReadHeaderTimeout,
		IdleTimeout:       httpclient.IdleConnTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr, "model", cfg.Model)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown did not finish cleanly: %w", err)
	}
	return nil
}
