package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

// Consolidation trigger reasons.
const (
	ReasonPeriodic = "periodic"
	ReasonIdle     = "idle"
	ReasonDaily    = "daily"
	ReasonManual   = "manual"
)

// SchedulerConfig tunes the background maintenance triggers.
type SchedulerConfig struct {
	Interval            time.Duration // periodic consolidation
	IdleTimeout         time.Duration // consolidate after this much quiet
	DailyHour           int           // daily maintenance hour, local time
	MaxMemoriesPerRun   int
	MinImportanceToKeep float64 // records scoring below this get grouped
	idlePoll            time.Duration
}

// DefaultSchedulerConfig returns the standard trigger timings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:            time.Hour,
		IdleTimeout:         15 * time.Minute,
		DailyHour:           3,
		MaxMemoriesPerRun:   500,
		MinImportanceToKeep: 0.4,
	}
}

// ConsolidationResult reports one consolidation run.
type ConsolidationResult struct {
	Reason     string        `json:"reason"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Scored     int           `json:"scored"`
	Groups     int           `json:"groups"`
	Summaries  int           `json:"summaries"`
	Deleted    int           `json:"deleted"`
	CleanupRan bool          `json:"cleanup_ran"`
	Errors     []string      `json:"errors,omitempty"`
}

// Observer receives consolidation lifecycle events.
type Observer interface {
	ConsolidationStarted(reason string)
	ConsolidationProgress(processed, total int)
	ConsolidationCompleted(result ConsolidationResult)
}

// Scheduler drives background maintenance from a single loop that computes
// the next due trigger across periodic, idle, and daily schedules. Runs are
// serialized by an advisory flag: an overlapping trigger is dropped and the
// last completed result returned, never queued.
type Scheduler struct {
	db         *store.DB
	scorer     *Scorer
	summarizer Summarizer
	embedder   Embedder
	forgetting *ForgettingEngine
	dedup      *Deduplicator
	cleanupCfg store.CleanupConfig
	cfg        SchedulerConfig

	running      atomic.Bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	lastActivity atomic.Int64 // unix millis
	lastIdleRun  atomic.Int64

	mu         sync.Mutex
	lastResult *ConsolidationResult
	observers  map[int]Observer
	nextObsID  int
	flagged    []string // consolidation candidates from the last retention pass
}

// NewScheduler builds the maintenance scheduler.
func NewScheduler(db *store.DB, scorer *Scorer, summarizer Summarizer, embedder Embedder, forgetting *ForgettingEngine, dedup *Deduplicator, cleanupCfg store.CleanupConfig, cfg SchedulerConfig) *Scheduler {
	if cfg.idlePoll == 0 {
		cfg.idlePoll = time.Minute
	}
	s := &Scheduler{
		db:         db,
		scorer:     scorer,
		summarizer: summarizer,
		embedder:   embedder,
		forgetting: forgetting,
		dedup:      dedup,
		cleanupCfg: cleanupCfg,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		observers:  make(map[int]Observer),
	}
	s.lastActivity.Store(time.Now().UnixMilli())
	return s
}

// Subscribe registers an observer. The returned function unsubscribes it.
func (s *Scheduler) Subscribe(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Scheduler) eachObserver(fn func(Observer)) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}

// RecordActivity marks the store as actively used, pushing back the idle
// trigger. Interactive entry points call this.
func (s *Scheduler) RecordActivity() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// LastResult returns the most recently completed run, or nil.
func (s *Scheduler) LastResult() *ConsolidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels pending triggers. An in-flight run completes; deletions are
// never rolled back partway.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	nextPeriodic := time.Now().Add(s.cfg.Interval)
	nextDaily := nextDailyAt(time.Now(), s.cfg.DailyHour)

	for {
		nextIdleCheck := time.Now().Add(s.cfg.idlePoll)
		next := earliest(nextPeriodic, nextDaily, nextIdleCheck)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case now := <-timer.C:
			if !now.Before(nextDaily) {
				nextDaily = nextDailyAt(now, s.cfg.DailyHour)
				s.runDaily()
				continue
			}
			if !now.Before(nextPeriodic) {
				nextPeriodic = now.Add(s.cfg.Interval)
				s.Run(ReasonPeriodic)
				continue
			}
			s.maybeRunIdle(now)
		}
	}
}

// maybeRunIdle consolidates when the store has been quiet past the idle
// timeout and no idle run has happened since the last activity.
func (s *Scheduler) maybeRunIdle(now time.Time) {
	lastActivity := s.lastActivity.Load()
	if now.UnixMilli()-lastActivity < s.cfg.IdleTimeout.Milliseconds() {
		return
	}
	if s.lastIdleRun.Load() >= lastActivity {
		return
	}
	s.lastIdleRun.Store(now.UnixMilli())
	s.Run(ReasonIdle)
}

// runDaily is the heavier maintenance slot: index upkeep, vector backfill,
// retention pass, dedup, then consolidation. Records the retention pass
// flagged for consolidation are handed to the consolidation run.
func (s *Scheduler) runDaily() {
	ctx := context.Background()
	s.maintainIndexes()
	s.backfillVectors(ctx)
	if s.forgetting != nil {
		pass, err := s.forgetting.RunPass(ctx)
		switch {
		case err == nil:
			s.noteFlagged(pass.ForConsolidation)
		case err != ErrAlreadyRunning:
			log.Printf("scheduler: daily forgetting pass: %v", err)
		}
	}
	if s.dedup != nil {
		if _, err := s.dedup.Run(ctx); err != nil {
			log.Printf("scheduler: daily dedup: %v", err)
		}
	}
	s.Run(ReasonDaily)
}

// maintainIndexes applies the same index upkeep the engine runs at boot:
// default index creation once the store is big enough, and a re-stamp of
// definitions that have gone stale. A daemon that crosses the row minimum
// mid-flight gets its indexes here instead of at the next restart.
func (s *Scheduler) maintainIndexes() {
	if created, err := s.db.EnsureDefaultIndexes(store.DefaultIndexMinRows); err != nil {
		log.Printf("scheduler: ensure indexes: %v", err)
	} else if created > 0 {
		log.Printf("scheduler: created %d default indexes", created)
	}

	stale, err := s.db.StaleIndexes(store.DefaultRebuildThreshold)
	if err != nil {
		log.Printf("scheduler: stale indexes: %v", err)
		return
	}
	for _, def := range stale {
		start := time.Now()
		if err := s.db.MarkIndexBuilt(def.Name, time.Since(start)); err != nil {
			log.Printf("scheduler: rebuild %s: %v", def.Name, err)
		}
	}
}

// backfillVectors re-embeds records stored while the embedding provider was
// unreachable. Bounded per slot; anything left over waits for the next day.
func (s *Scheduler) backfillVectors(ctx context.Context) {
	if s.embedder == nil {
		return
	}
	missing, err := s.db.ListMissingVectors(s.cfg.MaxMemoriesPerRun)
	if err != nil {
		log.Printf("scheduler: list missing vectors: %v", err)
		return
	}
	if len(missing) == 0 {
		return
	}

	texts := make([]string, len(missing))
	for i, rec := range missing {
		texts[i] = rec.Content
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		log.Printf("scheduler: backfill embed: %v", err)
		return
	}
	filled := 0
	for i, rec := range missing {
		if err := s.db.SetVector(rec.ID, vecs[i]); err != nil {
			log.Printf("scheduler: backfill %s: %v", rec.ID, err)
			continue
		}
		filled++
	}
	if filled > 0 {
		log.Printf("scheduler: backfilled %d missing vectors", filled)
	}
}

// noteFlagged queues consolidation candidates for the next run.
func (s *Scheduler) noteFlagged(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	s.flagged = append(s.flagged, ids...)
	s.mu.Unlock()
}

func (s *Scheduler) takeFlagged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.flagged
	s.flagged = nil
	return ids
}

// Run executes one consolidation pass. If a pass is already in flight the
// trigger is dropped and the previous result returned.
func (s *Scheduler) Run(reason string) *ConsolidationResult {
	if !s.running.CompareAndSwap(false, true) {
		return s.LastResult()
	}
	defer s.running.Store(false)

	start := time.Now()
	result := &ConsolidationResult{Reason: reason, StartedAt: start}
	s.eachObserver(func(o Observer) { o.ConsolidationStarted(reason) })

	s.consolidate(result)

	result.Duration = time.Since(start)
	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	s.eachObserver(func(o Observer) { o.ConsolidationCompleted(*result) })

	if result.Summaries > 0 || result.Deleted > 0 {
		log.Printf("consolidation [%s]: scored=%d groups=%d summaries=%d deleted=%d",
			reason, result.Scored, result.Groups, result.Summaries, result.Deleted)
	}
	return result
}

func (s *Scheduler) consolidate(result *ConsolidationResult) {
	records, err := s.db.ListRecent(s.cfg.MaxMemoriesPerRun)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	now := time.Now()
	groups := make(map[string][]store.MemoryRecord)
	grouped := make(map[string]bool)
	for i, rec := range records {
		result.Scored++
		s.eachObserver(func(o Observer) { o.ConsolidationProgress(i+1, len(records)) })

		if rec.IsSummary {
			continue
		}
		scored := s.scorer.Score(rec, now)
		if scored.FinalScore >= s.cfg.MinImportanceToKeep {
			continue
		}
		topic := primaryTopic(rec)
		groups[topic] = append(groups[topic], rec)
		grouped[rec.ID] = true
	}

	// Records the retention pass flagged join the grouping directly; the
	// pass already judged their effective score consolidation-worthy.
	for _, id := range s.takeFlagged() {
		if grouped[id] {
			continue
		}
		rec, err := s.db.GetRecord(id)
		if err != nil || rec == nil || rec.IsSummary {
			continue
		}
		topic := primaryTopic(*rec)
		groups[topic] = append(groups[topic], *rec)
		grouped[id] = true
	}

	for topic, members := range groups {
		if len(members) < 2 {
			continue
		}
		result.Groups++
		if err := s.consolidateGroup(topic, members, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	used, err := s.db.CapacityUsed(s.cleanupCfg)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}
	if used > 0.8 {
		if _, err := s.db.RunCleanup(s.cleanupCfg); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.CleanupRan = true
	}
}

// consolidateGroup replaces one topic group with a single summary record.
// The originals are deleted only after the summary is safely inserted.
func (s *Scheduler) consolidateGroup(topic string, members []store.MemoryRecord, result *ConsolidationResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	group, err := s.summarizer.SummarizeGroup(ctx, topic, members)
	if err != nil {
		return err
	}

	ids := make([]string, len(members))
	maxImportance := 0.0
	var tags []string
	tagSeen := make(map[string]bool)
	for i, m := range members {
		ids[i] = m.ID
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
		for _, t := range m.Tags {
			if !tagSeen[t] {
				tagSeen[t] = true
				tags = append(tags, t)
			}
		}
	}

	summary := &store.MemoryRecord{
		Content:       group.SummaryText,
		SourceType:    "summary",
		Importance:    clamp01(maxImportance + 0.1),
		IsSummary:     true,
		Topics:        group.Topics,
		Tags:          tags,
		SummarizedIDs: ids,
	}

	if s.embedder != nil {
		if vec, err := s.embedder.Embed(ctx, group.SummaryText); err == nil {
			summary.Vector = vec
		} else {
			log.Printf("consolidation: embed summary: %v", err)
		}
	}

	if err := s.db.CreateRecord(summary); err != nil {
		return err
	}
	result.Summaries++

	for _, id := range ids {
		if _, err := s.db.DeleteRecord(id); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Deleted++
	}
	return nil
}

// primaryTopic returns the record's first topic tag, or a bucket for
// untagged records.
func primaryTopic(rec store.MemoryRecord) string {
	if len(rec.Topics) > 0 {
		return rec.Topics[0]
	}
	return "(untagged)"
}

// nextDailyAt returns the next occurrence of the given local hour.
func nextDailyAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func earliest(times ...time.Time) time.Time {
	min := times[0]
	for _, t := range times[1:] {
		if t.Before(min) {
			min = t
		}
	}
	return min
}
