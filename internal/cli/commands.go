package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hollis/mnemo/internal/config"
	"github.com/hollis/mnemo/internal/engine"
	"github.com/hollis/mnemo/internal/store"
	"github.com/spf13/cobra"
)

// openDB is a helper that opens the database for CLI commands.
func openDB() (*store.DB, error) {
	dbPath := os.Getenv("MNEMO_DB")
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(dbPath)
}

// openEngine builds a local engine over the CLI database. Ollama is used
// when reachable; otherwise the hash embedder keeps commands working offline.
func openEngine() (*engine.Engine, *store.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}

	cfg := config.Default()
	var embedder engine.Embedder
	if engine.ProbeOllama(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel) {
		embedder = engine.NewOllamaEmbedder(cfg.LLM.OllamaURL, cfg.LLM.EmbeddingModel, cfg.LLM.EmbeddingDims)
	} else {
		embedder = engine.NewHashEmbedder(cfg.LLM.EmbeddingDims)
	}

	eng, err := engine.New(db, embedder, engine.DefaultOptions())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return eng, db, nil
}

// --- remember command ---

var (
	rememberSourceType string
	rememberTags       []string
	rememberImportance float64
)

var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Store a new memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemember,
}

func runRemember(cmd *cobra.Command, args []string) error {
	content := strings.Join(args, " ")

	eng, db, err := openEngine()
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := engine.RememberOptions{Tags: rememberTags}
	if cmd.Flags().Changed("importance") {
		opts.Importance = &rememberImportance
	}

	rec, err := eng.Remember(ctx, content, rememberSourceType, opts)
	if err != nil {
		return fmt.Errorf("remember: %w", err)
	}

	fmt.Printf("stored %s (importance %.2f)\n", rec.ID, rec.Importance)
	return nil
}

// --- recall command ---

var (
	recallLimit      int
	recallSourceType string
	recallTag        string
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Search memories by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecall,
}

func runRecall(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	eng, db, err := openEngine()
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := eng.Recall(ctx, query, engine.RecallOptions{
		Limit:      recallLimit,
		SourceType: recallSourceType,
		Tag:        recallTag,
	})
	if err != nil {
		return fmt.Errorf("recall: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	for i, r := range results {
		content := r.Record.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		marker := ""
		if r.Record.IsSummary {
			marker = " [summary]"
		}
		fmt.Printf("%d. [%.3f] %s (%s)%s\n   %s\n\n",
			i+1, r.Similarity, r.Record.ID, r.Record.SourceType, marker, content)
	}
	return nil
}

// --- forget command ---

var (
	forgetIDs     []string
	forgetPattern string
	forgetTags    []string
	forgetForce   bool
)

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete memories by ID, pattern, or tag",
	RunE:  runForget,
}

func runForget(cmd *cobra.Command, args []string) error {
	if len(forgetIDs) == 0 && forgetPattern == "" && len(forgetTags) == 0 {
		return fmt.Errorf("at least one of --id, --pattern, --tag required")
	}

	eng, db, err := openEngine()
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer db.Close()

	result, err := eng.Forget(engine.ForgetOptions{
		IDs:            forgetIDs,
		ContentPattern: forgetPattern,
		Tags:           forgetTags,
		Force:          forgetForce,
	})
	if err != nil {
		return fmt.Errorf("forget: %w", err)
	}

	fmt.Printf("deleted %d, protected %d, not found %d\n",
		len(result.Deleted), len(result.Protected), len(result.NotFound))
	for _, id := range result.Protected {
		fmt.Printf("  protected: %s (use --force to override)\n", id)
	}
	return nil
}

// --- consolidate command ---

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a consolidation pass now",
	RunE:  runConsolidate,
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	eng, db, err := openEngine()
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer db.Close()

	result := eng.RunConsolidation(engine.ReasonManual)
	if result == nil {
		fmt.Println("nothing to consolidate")
		return nil
	}

	fmt.Printf("consolidation (%s): scored %d, groups %d, summaries %d, deleted %d in %s\n",
		result.Reason, result.Scored, result.Groups, result.Summaries, result.Deleted,
		result.Duration.Round(time.Millisecond))
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", e)
	}
	return nil
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	eng, db, err := openEngine()
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer db.Close()

	stats, err := eng.GetStats()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	fmt.Printf("records:  %d (%.0f%% of capacity)\n", stats.Records, stats.CapacityUsed*100)
	fmt.Printf("embedder: %s (%d dims)\n", stats.EmbedderModel, stats.Dimensions)
	if len(stats.BySourceType) > 0 {
		fmt.Println("by source type:")
		for st, n := range stats.BySourceType {
			fmt.Printf("  %-13s %d\n", st, n)
		}
	}
	if len(stats.Indexes) > 0 {
		fmt.Printf("indexes:  %d (%d stale)\n", len(stats.Indexes), stats.StaleIndexes)
	}
	if stats.LastRun != nil {
		fmt.Printf("last consolidation: %s (%s, %d summaries)\n",
			stats.LastRun.StartedAt.Format(time.RFC3339), stats.LastRun.Reason, stats.LastRun.Summaries)
	}
	return nil
}

func init() {
	rememberCmd.Flags().StringVarP(&rememberSourceType, "source", "s", "manual", "Source type")
	rememberCmd.Flags().StringSliceVarP(&rememberTags, "tag", "t", nil, "Tags (repeatable)")
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0, "Override computed importance [0,1]")

	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 10, "Maximum number of results")
	recallCmd.Flags().StringVarP(&recallSourceType, "source", "s", "", "Filter by source type")
	recallCmd.Flags().StringVarP(&recallTag, "tag", "t", "", "Filter by tag")

	forgetCmd.Flags().StringSliceVar(&forgetIDs, "id", nil, "Memory IDs (repeatable)")
	forgetCmd.Flags().StringVar(&forgetPattern, "pattern", "", "Content substring match")
	forgetCmd.Flags().StringSliceVar(&forgetTags, "tag", nil, "Tags (repeatable)")
	forgetCmd.Flags().BoolVar(&forgetForce, "force", false, "Delete even policy-protected records")
}
