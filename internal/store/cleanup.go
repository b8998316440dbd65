package store

import (
	"fmt"
	"log"
	"sort"
	"time"
)

// CleanupConfig bounds the store and controls eviction ranking.
type CleanupConfig struct {
	MaxCapacity         int     // hard record ceiling
	CleanupThreshold    float64 // start cleanup at this fill ratio (e.g. 0.8)
	TargetRatio         float64 // evict down to this fill ratio (e.g. 0.7)
	PreserveImportance  float64 // records at or above are never evicted
	MinAccessToPreserve int     // records accessed this often are never evicted
	MaxAgeDays          float64 // age at which recency score reaches zero
	BatchSize           int     // candidate scan batch size
}

// DefaultCleanupConfig returns the standard capacity policy.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		MaxCapacity:         10000,
		CleanupThreshold:    0.8,
		TargetRatio:         0.7,
		PreserveImportance:  0.8,
		MinAccessToPreserve: 5,
		MaxAgeDays:          90,
		BatchSize:           500,
	}
}

// CleanupResult reports one cleanup pass.
type CleanupResult struct {
	Scanned   int      `json:"scanned"`
	Protected int      `json:"protected"`
	Removed   int      `json:"removed"`
	RemovedID []string `json:"removed_ids,omitempty"`
	Skipped   bool     `json:"skipped"` // another pass was already running
}

// NeedsCleanup reports whether the store has crossed the cleanup threshold.
func (db *DB) NeedsCleanup(cfg CleanupConfig) (bool, error) {
	count, err := db.Count()
	if err != nil {
		return false, err
	}
	return float64(count) >= float64(cfg.MaxCapacity)*cfg.CleanupThreshold, nil
}

// CapacityUsed returns the current fill ratio.
func (db *DB) CapacityUsed(cfg CleanupConfig) (float64, error) {
	count, err := db.Count()
	if err != nil {
		return 0, err
	}
	if cfg.MaxCapacity <= 0 {
		return 0, nil
	}
	return float64(count) / float64(cfg.MaxCapacity), nil
}

// cleanupScore ranks a record's retention value:
// importance*0.5 + recency*0.3 + access*0.2.
func cleanupScore(rec *MemoryRecord, now time.Time, maxAgeDays float64) float64 {
	ageDays := rec.AgeHours(now) / 24
	recency := 1 - ageDays/maxAgeDays
	if recency < 0 {
		recency = 0
	}
	access := float64(rec.AccessCount) / 10
	if access > 1 {
		access = 1
	}
	return rec.Importance*0.5 + recency*0.3 + access*0.2
}

// cleanupProtected reports whether a record is exempt from eviction.
func cleanupProtected(rec *MemoryRecord, cfg CleanupConfig) bool {
	return rec.Importance >= cfg.PreserveImportance ||
		rec.AccessCount >= cfg.MinAccessToPreserve ||
		rec.IsSummary
}

// RunCleanup evicts the lowest-value records until the store is back under
// the target ratio. Protected records (high importance, frequently accessed,
// or summaries) are never removed. A pass already in flight makes this a
// no-op with Skipped set.
func (db *DB) RunCleanup(cfg CleanupConfig) (*CleanupResult, error) {
	if !db.cleanupRunning.CompareAndSwap(false, true) {
		return &CleanupResult{Skipped: true}, nil
	}
	defer db.cleanupRunning.Store(false)

	count, err := db.Count()
	if err != nil {
		return nil, err
	}
	target := int(float64(cfg.MaxCapacity) * cfg.TargetRatio)
	toRemove := count - target
	if toRemove <= 0 {
		return &CleanupResult{}, nil
	}

	now := time.Now()
	result := &CleanupResult{}

	// Score every candidate in bounded batches
	type scored struct {
		id    string
		score float64
	}
	var candidates []scored

	afterID := ""
	for {
		batch, err := db.ListBatch(cfg.BatchSize, afterID)
		if err != nil {
			return nil, fmt.Errorf("cleanup scan: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			rec := &batch[i]
			result.Scanned++
			if cleanupProtected(rec, cfg) {
				result.Protected++
				continue
			}
			candidates = append(candidates, scored{rec.ID, cleanupScore(rec, now, cfg.MaxAgeDays)})
		}
		afterID = batch[len(batch)-1].ID
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	for _, c := range candidates {
		if result.Removed >= toRemove {
			break
		}
		found, err := db.DeleteRecord(c.id)
		if err != nil {
			log.Printf("cleanup: delete %s: %v", c.id, err)
			continue
		}
		if found {
			result.Removed++
			result.RemovedID = append(result.RemovedID, c.id)
		}
	}

	if result.Removed > 0 {
		log.Printf("cleanup: removed %d of %d candidates (%d protected)",
			result.Removed, len(candidates), result.Protected)
	}
	return result, nil
}
