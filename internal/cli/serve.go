package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hollis/mnemo/internal/config"
	"github.com/hollis/mnemo/internal/engine"
	"github.com/hollis/mnemo/internal/llm"
	"github.com/hollis/mnemo/internal/server"
	"github.com/hollis/mnemo/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	applyEnvOverrides(&cfg)

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	auditPath := cfg.Database.AuditPath
	if auditPath == "" {
		auditPath = dbPath + ".audit"
	}
	audit, err := store.OpenAuditLog(auditPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	// Detect embedder: Ollama when reachable, hash fallback otherwise
	var embedder engine.Embedder
	if engine.ProbeOllama(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel) {
		embedder = engine.NewOllamaEmbedder(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDims)
		fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", cfg.LLM.EmbeddingModel)
	} else {
		embedder = engine.NewHashEmbedder(cfg.LLM.EmbeddingDims)
		fmt.Fprintf(os.Stderr, "  embedder: hash (fallback)\n")
	}

	// LLM summarizer is optional — extractive summaries when unavailable
	var summarizer engine.Summarizer
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM not configured (%v), extractive summaries only\n", err)
		summarizer = engine.NewLLMSummarizer(nil)
	} else {
		summarizer = engine.NewLLMSummarizer(llmClient)
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	}

	opts := engine.DefaultOptions()
	opts.Audit = audit
	opts.LLM = summarizer
	opts.Cleanup.MaxCapacity = cfg.Retention.MaxCapacity
	opts.Scheduler.Interval = time.Duration(cfg.Retention.IntervalMinutes) * time.Minute
	opts.Scheduler.IdleTimeout = time.Duration(cfg.Retention.IdleMinutes) * time.Minute
	opts.Scheduler.DailyHour = cfg.Retention.DailyHour
	opts.Scheduler.MaxMemoriesPerRun = cfg.Retention.MaxMemoriesPerRun

	eng, err := engine.New(db, embedder, opts)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		eng.StartupMaintenance(ctx)
	}()

	eng.Start()
	defer eng.Stop()

	srv := server.New(db, eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "mnemo serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		fmt.Fprintf(os.Stderr, "  audit: %s\n", auditPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}

func applyEnvOverrides(cfg *config.Config) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Provider = "anthropic"
		cfg.LLM.AnthropicKey = key
	}
	if path := os.Getenv("MNEMO_DB"); path != "" {
		cfg.Database.Path = path
	}
	if port := os.Getenv("MNEMO_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
}
