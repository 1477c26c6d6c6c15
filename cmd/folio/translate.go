package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oukeidos/folio/internal/chunker"
	"github.com/oukeidos/folio/internal/cleanup"
	"github.com/oukeidos/folio/internal/config"
	"github.com/oukeidos/folio/internal/files"
	"github.com/oukeidos/folio/internal/gemini"
	"github.com/oukeidos/folio/internal/job"
	"github.com/oukeidos/folio/internal/language"
	"github.com/oukeidos/folio/internal/logger"
	"github.com/oukeidos/folio/internal/orchestrator"
	"github.com/oukeidos/folio/internal/ratelimit"
	"github.com/oukeidos/folio/internal/storage"
	"github.com/oukeidos/folio/internal/tokens"
	"github.com/oukeidos/folio/internal/worker"
	"github.com/spf13/cobra"
)

// Gemini 2.5 Flash list pricing, USD per million tokens.
const (
	geminiInputPerMillion  = 0.30
	geminiOutputPerMillion = 2.50
)

type translateOptions struct {
	modelName     string
	targetLang    string
	tone          string
	targetTokens  int
	overlapTokens int
	concurrency   int
	yes           bool
	logFilePath   string
	allowEnv      bool
	envOnly       bool
	debug         bool
}

func newTranslateCmd() *cobra.Command {
	opts := translateOptions{}
	cmd := &cobra.Command{
		Use:   "translate <input.txt> <output.txt>",
		Short: "Translate a document in one shot, without the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				_ = cmd.Usage()
				return fmt.Errorf("input and output files are required")
			}
			return runTranslate(cmd, args, &opts)
		},
		SilenceUsage: true,
	}

	cmd.SetUsageTemplate(subcommandUsageTemplate)
	addTranslateFlags(cmd, &opts)
	return cmd
}

func addTranslateFlags(cmd *cobra.Command, opts *translateOptions) {
	cmd.Flags().StringVar(&opts.modelName, "model", config.DefaultModel, "Gemini model name")
	cmd.Flags().StringVar(&opts.targetLang, "target", "ko", "Target language tag (e.g. ko, ja, pt-BR)")
	cmd.Flags().StringVar(&opts.tone, "tone", language.ToneNeutral, "Tone of the translation (formal, informal, neutral)")
	cmd.Flags().IntVar(&opts.targetTokens, "chunk-tokens", chunker.DefaultTargetTokens, "Target tokens per chunk")
	cmd.Flags().IntVar(&opts.overlapTokens, "overlap-tokens", chunker.DefaultOverlapTokens, "Context tokens carried between chunks")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", orchestrator.DefaultMaxConcurrency, "Number of concurrent API requests (1-20)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Overwrite output file without asking")
	cmd.Flags().StringVar(&opts.logFilePath, "log-file", "", "Path to save machine-readable JSONL logs")
	cmd.Flags().BoolVar(&opts.allowEnv, "allow-env", false, "Allow reading API key from environment variables")
	cmd.Flags().BoolVar(&opts.envOnly, "env-only", false, "Use only environment variables for API keys")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
}

func runTranslate(cmd *cobra.Command, args []string, opts *translateOptions) error {
	if len(args) < 2 {
		return fmt.Errorf("input and output files are required")
	}
	if len(args) > 2 {
		fmt.Fprintf(os.Stderr, "Warning: expected 2 arguments but got %d. Did you forget quotes around file paths?\n", len(args))
		fmt.Fprintf(os.Stderr, "  Using input: %s\n", args[0])
		fmt.Fprintf(os.Stderr, "  Using output: %s\n", args[1])
	}
	inputPath, outputPath := args[0], args[1]
	if err := validateDocumentPathExtensions(inputPath, outputPath); err != nil {
		return err
	}
	if !language.ValidTag(opts.targetLang) {
		return fmt.Errorf("unsupported target language: %s", opts.targetLang)
	}
	if !language.ValidTone(opts.tone) {
		return fmt.Errorf("unsupported tone: %s (formal, informal, neutral)", opts.tone)
	}

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

	if err := files.RejectSymlinkPath(inputPath); err != nil {
		return err
	}
	if err := files.RejectSymlinkPath(outputPath); err != nil {
		return err
	}
	if _, err := os.Stat(outputPath); err == nil && !opts.yes {
		return fmt.Errorf("output file %s already exists; use --yes to overwrite", outputPath)
	}

	startTime := time.Now()

	actualKey, source, err := resolveAPIKey(opts.allowEnv, opts.envOnly)
	if err != nil {
		return err
	}
	logger.Info("Using API Key", "service", "gemini", "source", source)

	document, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	cfg := config.Default()
	cfg.APIKey = actualKey
	cfg.Model = opts.modelName
	cfg.TargetChunkTokens = opts.targetTokens
	cfg.OverlapTokens = opts.overlapTokens
	cfg.MaxConcurrency = opts.concurrency
	cfg, notes := cfg.Normalize()
	for _, note := range notes {
		logger.Warn("Configuration adjusted", "note", note)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := gemini.NewClient(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		return err
	}
	cleanup.Register(client.Close)

	counter, err := tokens.NewCounter(cfg.TokenEncoding)
	if err != nil {
		return err
	}

	jobs := job.NewMemoryStore()
	store := storage.NewMemory()
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), cfg.RateLimits, cfg.DayBoundaryZone)
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

	now := time.Now().UTC()
	rec := &job.Job{
		ID:               uuid.NewString(),
		Owner:            "local",
		OriginalFileName: filepath.Base(inputPath),
		TargetLanguage:   opts.targetLang,
		Tone:             opts.tone,
		State:            job.StatePendingUpload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rec.SourceKey = storage.DocumentKey(rec.ID)
	if err := jobs.Create(ctx, rec); err != nil {
		return err
	}
	if err := store.Put(ctx, storage.DocumentKey(rec.ID), document); err != nil {
		return err
	}
	if _, err := jobs.Transition(ctx, rec.ID, job.StatePendingUpload, job.StateUploaded, nil); err != nil {
		return err
	}

	runErr := orch.Run(ctx, rec.ID)

	final, err := jobs.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	printRunStats(final, time.Since(startTime), cfg.Model)

	if runErr != nil {
		if ctx.Err() != nil {
			logger.Warn("Translation canceled", "error", runErr)
			return nil
		}
		return runErr
	}
	if final.State != job.StateCompleted {
		if final.Error != nil {
			return fmt.Errorf("translation finished in state %s: %s", final.State, final.Error.Message)
		}
		return fmt.Errorf("translation finished in state %s", final.State)
	}

	result, err := store.Get(ctx, storage.ResultKey(rec.ID))
	if err != nil {
		return fmt.Errorf("failed to read assembled result: %w", err)
	}
	if err := files.AtomicWrite(outputPath, result, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	logger.Info("Translation written", "output", outputPath, "chunk_count", final.TotalChunks)
	return nil
}

func printRunStats(j *job.Job, duration time.Duration, model string) {
	fmt.Println("\n--- Execution Stats ---")
	fmt.Printf("Time: %s\n", duration)
	fmt.Printf("Model: %s\n", model)
	fmt.Printf("Chunks: %d/%d\n", j.TranslatedChunks, j.TotalChunks)
	if j.TokensIn+j.TokensOut > 0 {
		fmt.Printf("Tokens: In=%d, Out=%d, Total=%d\n", j.TokensIn, j.TokensOut, j.TokensIn+j.TokensOut)
		inCost := (float64(j.TokensIn) / 1_000_000) * geminiInputPerMillion
		outCost := (float64(j.TokensOut) / 1_000_000) * geminiOutputPerMillion
		fmt.Printf("Estimated Cost: $%.5f\n", inCost+outCost)
	}
}

var supportedDocumentExtensions = map[string]struct{}{
	".txt":      {},
	".text":     {},
	".md":       {},
	".markdown": {},
}

const supportedDocumentExtensionsLabel = ".txt, .text, .md, .markdown"

func validateDocumentPathExtensions(inputPath, outputPath string) error {
	if err := validateDocumentExtension("input", inputPath); err != nil {
		return err
	}
	return validateDocumentExtension("output", outputPath)
}

func validateDocumentExtension(kind, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := supportedDocumentExtensions[ext]; ok {
		return nil
	}
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Errorf("unsupported %s extension %q (supported: %s)", kind, ext, supportedDocumentExtensionsLabel)
}
