package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

// Engine is the public face of the memory retention system. It owns the
// fixed embedding dimension and wires the store, scorer, deduplicator,
// forgetting engine, and consolidation scheduler together. All handles are
// injected once at construction; there is no hidden global state.
type Engine struct {
	db         *store.DB
	embedder   Embedder
	scorer     *Scorer
	dedup      *Deduplicator
	forgetting *ForgettingEngine
	scheduler  *Scheduler
	cleanupCfg store.CleanupConfig
	dims       int
}

// Options bundles the engine's component configuration.
type Options struct {
	Scorer     ScorerConfig
	Dedup      DedupConfig
	Forgetting ForgettingConfig
	Scheduler  SchedulerConfig
	Cleanup    store.CleanupConfig
	Policies   []RetentionPolicy
	Audit      *store.AuditLog
	LLM        Summarizer
}

// DefaultOptions returns the standard engine configuration.
func DefaultOptions() Options {
	return Options{
		Scorer:     DefaultScorerConfig(),
		Dedup:      DefaultDedupConfig(),
		Forgetting: DefaultForgettingConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Cleanup:    store.DefaultCleanupConfig(),
	}
}

// New constructs an engine over an open store and embedder.
func New(db *store.DB, embedder Embedder, opts Options) (*Engine, error) {
	if db == nil {
		return nil, ErrNotInitialized
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: no embedder", ErrNotInitialized)
	}

	scorer := NewScorer(opts.Scorer)
	dedup := NewDeduplicator(db, embedder, opts.Dedup)
	forgetting := NewForgettingEngine(db, scorer, opts.Policies, opts.Forgetting, opts.Audit)

	summarizer := opts.LLM
	if summarizer == nil {
		summarizer = NewLLMSummarizer(nil)
	}
	scheduler := NewScheduler(db, scorer, summarizer, embedder, forgetting, dedup, opts.Cleanup, opts.Scheduler)

	return &Engine{
		db:         db,
		embedder:   embedder,
		scorer:     scorer,
		dedup:      dedup,
		forgetting: forgetting,
		scheduler:  scheduler,
		cleanupCfg: opts.Cleanup,
		dims:       embedder.Dimensions(),
	}, nil
}

// Start launches background maintenance.
func (e *Engine) Start() {
	e.scheduler.Start()
}

// Stop cancels pending maintenance triggers; in-flight passes finish.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// Scheduler exposes the consolidation scheduler for observers.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Forgetting exposes the forgetting engine.
func (e *Engine) Forgetting() *ForgettingEngine { return e.forgetting }

// Dedup exposes the deduplicator.
func (e *Engine) Dedup() *Deduplicator { return e.dedup }

// RememberOptions carries optional metadata for a new memory.
type RememberOptions struct {
	Importance *float64 `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Topics     []string `json:"topics,omitempty"`
}

// Remember embeds and stores a new memory. Importance defaults to the
// scorer's base score for the content. Near-identical existing content is
// reinforced rather than duplicated. If the embedding provider fails the
// record is stored without a vector and logged; it remains reachable by
// scalar filters until the daily maintenance slot backfills the embedding.
func (e *Engine) Remember(ctx context.Context, content, sourceType string, opts RememberOptions) (*store.MemoryRecord, error) {
	if content == "" {
		return nil, fmt.Errorf("remember: empty content")
	}
	e.scheduler.RecordActivity()

	importance := 0.0
	if opts.Importance != nil {
		importance = clamp01(*opts.Importance)
	} else {
		importance, _, _ = e.scorer.BaseScore(content)
	}

	vec, err := e.embedder.Embed(ctx, content)
	if err != nil {
		log.Printf("remember: embed failed, storing without vector: %v", err)
		vec = nil
	}
	if vec != nil && len(vec) != e.dims {
		return nil, fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(vec), e.dims)
	}

	// Near-identical content reinforces the existing record instead of
	// inserting a twin.
	if vec != nil {
		dupes, err := e.db.Search(vec, store.SearchOpts{
			Limit:    1,
			MinScore: e.dedup.cfg.RemoveOlderAbove,
			NoTouch:  true,
		})
		if err == nil && len(dupes) > 0 {
			existing := dupes[0].Record
			if err := e.db.TouchRecords([]string{existing.ID}); err == nil {
				existing.AccessCount++
			}
			if importance > existing.Importance {
				if err := e.db.UpdateImportance(existing.ID, importance); err == nil {
					existing.Importance = importance
				}
			}
			return &existing, nil
		}
	}

	rec := &store.MemoryRecord{
		Vector:     vec,
		Content:    content,
		SourceType: sourceType,
		Importance: importance,
		Tags:       opts.Tags,
		Topics:     opts.Topics,
	}
	if err := e.db.CreateRecord(rec); err != nil {
		return nil, err
	}

	if needed, err := e.db.NeedsCleanup(e.cleanupCfg); err == nil && needed {
		go func() {
			if _, err := e.db.RunCleanup(e.cleanupCfg); err != nil {
				log.Printf("remember: cleanup: %v", err)
			}
		}()
	}
	return rec, nil
}

// RecallOptions narrows a recall query.
type RecallOptions struct {
	Limit      int     `json:"limit,omitempty"`
	MinScore   float64 `json:"min_score,omitempty"`
	SourceType string  `json:"source_type,omitempty"`
	Tag        string  `json:"tag,omitempty"`
	Topic      string  `json:"topic,omitempty"`
}

// Recall embeds the query and returns similarity-ranked matches. Returned
// records are access-reinforced.
func (e *Engine) Recall(ctx context.Context, query string, opts RecallOptions) ([]store.SearchResult, error) {
	e.scheduler.RecordActivity()

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recall: %w: %v", ErrProviderUnavailable, err)
	}
	if len(vec) != e.dims {
		return nil, fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(vec), e.dims)
	}

	return e.db.Search(vec, store.SearchOpts{
		Limit:      opts.Limit,
		MinScore:   opts.MinScore,
		SourceType: opts.SourceType,
		Tag:        opts.Tag,
		Topic:      opts.Topic,
	})
}

// Get returns one record by ID, or nil when unknown.
func (e *Engine) Get(id string) (*store.MemoryRecord, error) {
	return e.db.GetRecord(id)
}

// Forget deletes records matching the options, honoring policy protection
// unless forced.
func (e *Engine) Forget(opts ForgetOptions) (*ForgetResult, error) {
	e.scheduler.RecordActivity()
	return e.forgetting.Forget(opts)
}

// SubmitDeletionRequest runs a compliant deletion synchronously.
func (e *Engine) SubmitDeletionRequest(ctx context.Context, scope string, target store.DeletionTarget) (*store.DeletionRequest, error) {
	e.scheduler.RecordActivity()
	return e.forgetting.SubmitDeletionRequest(ctx, scope, target)
}

// RunConsolidation triggers a consolidation pass immediately. If one is
// already running, the last completed result is returned.
func (e *Engine) RunConsolidation(reason string) *ConsolidationResult {
	if reason == "" {
		reason = ReasonManual
	}
	return e.scheduler.Run(reason)
}

// CheckForDuplicate returns an advisory duplicate finding for text, without
// storing anything.
func (e *Engine) CheckForDuplicate(ctx context.Context, text string) (*DuplicatePair, error) {
	return e.dedup.CheckForDuplicate(ctx, text)
}

// Stats is the engine's health/status snapshot.
type Stats struct {
	Records       int                  `json:"records"`
	BySourceType  map[string]int       `json:"by_source_type"`
	CapacityUsed  float64              `json:"capacity_used"`
	EmbedderModel string               `json:"embedder_model"`
	Dimensions    int                  `json:"dimensions"`
	Indexes       []store.IndexDef     `json:"indexes,omitempty"`
	StaleIndexes  int                  `json:"stale_indexes"`
	LastRun       *ConsolidationResult `json:"last_consolidation,omitempty"`
	CollectedAt   time.Time            `json:"collected_at"`
}

// GetStats assembles the current engine snapshot.
func (e *Engine) GetStats() (*Stats, error) {
	count, err := e.db.Count()
	if err != nil {
		return nil, err
	}
	byType, err := e.db.CountBySourceType()
	if err != nil {
		return nil, err
	}
	used, err := e.db.CapacityUsed(e.cleanupCfg)
	if err != nil {
		return nil, err
	}
	defs, err := e.db.ListIndexDefs()
	if err != nil {
		return nil, err
	}
	stale, err := e.db.StaleIndexes(store.DefaultRebuildThreshold)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Records:       count,
		BySourceType:  byType,
		CapacityUsed:  used,
		EmbedderModel: e.embedder.Model(),
		Dimensions:    e.dims,
		Indexes:       defs,
		StaleIndexes:  len(stale),
		LastRun:       e.scheduler.LastResult(),
		CollectedAt:   time.Now(),
	}, nil
}

// StartupMaintenance runs the once-at-boot housekeeping: default index
// creation, stale index rebuild stamps, and a forgetting pass.
func (e *Engine) StartupMaintenance(ctx context.Context) {
	if created, err := e.db.EnsureDefaultIndexes(store.DefaultIndexMinRows); err != nil {
		log.Printf("startup: ensure indexes: %v", err)
	} else if created > 0 {
		log.Printf("startup: created %d default indexes", created)
	}

	stale, err := e.db.StaleIndexes(store.DefaultRebuildThreshold)
	if err != nil {
		log.Printf("startup: stale indexes: %v", err)
	}
	for _, def := range stale {
		start := time.Now()
		// Scalar indexes are maintained by SQLite; rebuilding here means
		// re-stamping the definition at the current row count. A vector
		// backend hooks its build into the same contract.
		if err := e.db.MarkIndexBuilt(def.Name, time.Since(start)); err != nil {
			log.Printf("startup: rebuild %s: %v", def.Name, err)
		}
	}

	if result, err := e.forgetting.RunPass(ctx); err != nil && err != ErrAlreadyRunning {
		log.Printf("startup: forgetting pass: %v", err)
	} else if err == nil && result.Deleted > 0 {
		log.Printf("startup: forgetting pass deleted %d expired records", result.Deleted)
	}
}
