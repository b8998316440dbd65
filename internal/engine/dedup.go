package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

// Dedup actions.
const (
	ActionMerge       = "merge"
	ActionKeepBoth    = "keep_both"
	ActionRemoveOlder = "remove_older"
)

// DuplicatePair is an ephemeral near-duplicate finding.
type DuplicatePair struct {
	A          store.MemoryRecord `json:"a"`
	B          store.MemoryRecord `json:"b"`
	Similarity float64            `json:"similarity"`
	Action     string             `json:"action"`
	Reason     string             `json:"reason"`
}

// DedupConfig tunes duplicate detection and resolution.
type DedupConfig struct {
	Threshold          float64 // similarity floor for candidacy
	RemoveOlderAbove   float64 // near-identical pairs drop the older record
	PreserveThreshold  float64 // both records this important stay separate
	VariationRatio     float64 // length-difference ratio that marks variants
	MaxAgeDifference   time.Duration
	ImportanceDiffGate float64 // importance gap that forces a merge
	BatchSize          int
}

// DefaultDedupConfig returns the standard dedup parameters.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Threshold:          0.85,
		RemoveOlderAbove:   0.95,
		PreserveThreshold:  0.8,
		VariationRatio:     0.5,
		MaxAgeDifference:   30 * 24 * time.Hour,
		ImportanceDiffGate: 0.3,
		BatchSize:          200,
	}
}

// Deduplicator finds and resolves near-duplicate records.
type Deduplicator struct {
	db       *store.DB
	embedder Embedder
	cfg      DedupConfig
}

// NewDeduplicator creates a deduplicator over the given store.
func NewDeduplicator(db *store.DB, embedder Embedder, cfg DedupConfig) *Deduplicator {
	return &Deduplicator{db: db, embedder: embedder, cfg: cfg}
}

// DedupResult reports one dedup pass.
type DedupResult struct {
	Compared int `json:"compared"`
	Merged   int `json:"merged"`
	Removed  int `json:"removed"`
	Kept     int `json:"kept_both"`
}

// Run scans each source type in bounded batches, pairing records whose
// cosine similarity clears the threshold, and resolves each pair.
func (d *Deduplicator) Run(ctx context.Context) (*DedupResult, error) {
	result := &DedupResult{}

	counts, err := d.db.CountBySourceType()
	if err != nil {
		return nil, fmt.Errorf("dedup: count by source type: %w", err)
	}

	for sourceType := range counts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := d.runSourceType(sourceType, result); err != nil {
			// Per-batch failures are logged, not fatal to the pass
			log.Printf("dedup: source type %s: %v", sourceType, err)
		}
	}
	return result, nil
}

func (d *Deduplicator) runSourceType(sourceType string, result *DedupResult) error {
	resolved := make(map[string]bool)
	afterID := ""

	for {
		batch, err := d.db.ListBySourceType(sourceType, d.cfg.BatchSize, afterID)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		// Advance past the last row read, not the rows remaining:
		// resolutions below delete rows out of this batch.
		afterID = batch[len(batch)-1].ID

		for i := 0; i < len(batch); i++ {
			if resolved[batch[i].ID] {
				continue
			}
			for j := i + 1; j < len(batch); j++ {
				if resolved[batch[i].ID] || resolved[batch[j].ID] {
					continue
				}
				sim := store.Cosine(batch[i].Vector, batch[j].Vector)
				result.Compared++
				if sim < d.cfg.Threshold {
					continue
				}

				pair := d.Decide(batch[i], batch[j], sim)
				switch pair.Action {
				case ActionKeepBoth:
					result.Kept++
				case ActionRemoveOlder:
					removedID, err := d.removeOlder(pair)
					if err != nil {
						log.Printf("dedup: remove older: %v", err)
						continue
					}
					resolved[removedID] = true
					result.Removed++
				case ActionMerge:
					removedID, err := d.Merge(pair.A, pair.B)
					if err != nil {
						log.Printf("dedup: merge: %v", err)
						continue
					}
					resolved[removedID] = true
					result.Merged++
				}
			}
		}
	}
}

// Decide applies the resolution policy to one candidate pair. First matching
// rule wins. The decision is symmetric: swapping the pair yields the same
// action and reason.
func (d *Deduplicator) Decide(a, b store.MemoryRecord, similarity float64) DuplicatePair {
	pair := DuplicatePair{A: a, B: b, Similarity: similarity}

	if a.Importance >= d.cfg.PreserveThreshold && b.Importance >= d.cfg.PreserveThreshold {
		pair.Action = ActionKeepBoth
		pair.Reason = "both records above preserve threshold"
		return pair
	}

	if lengthVariation(a.Content, b.Content) > d.cfg.VariationRatio {
		pair.Action = ActionKeepBoth
		pair.Reason = "content lengths differ too much to be duplicates"
		return pair
	}

	ageGap := a.CreatedAt - b.CreatedAt
	if ageGap < 0 {
		ageGap = -ageGap
	}
	if time.Duration(ageGap)*time.Millisecond > d.cfg.MaxAgeDifference {
		pair.Action = ActionKeepBoth
		pair.Reason = "records too far apart in time"
		return pair
	}

	if math.Abs(a.Importance-b.Importance) > d.cfg.ImportanceDiffGate {
		pair.Action = ActionMerge
		pair.Reason = "importance gap favors consolidating into the stronger record"
		return pair
	}

	if similarity > d.cfg.RemoveOlderAbove {
		pair.Action = ActionRemoveOlder
		pair.Reason = "near-identical content"
		return pair
	}

	pair.Action = ActionMerge
	pair.Reason = "similar records merged"
	return pair
}

// lengthVariation is the symmetric relative difference in content length.
func lengthVariation(a, b string) float64 {
	la, lb := float64(len(a)), float64(len(b))
	if la == 0 && lb == 0 {
		return 0
	}
	longer := math.Max(la, lb)
	return math.Abs(la-lb) / longer
}

func (d *Deduplicator) removeOlder(pair DuplicatePair) (string, error) {
	older, newer := pair.A, pair.B
	if older.CreatedAt > newer.CreatedAt {
		older, newer = newer, older
	}

	// Fold the removed record's access history into the survivor
	if err := d.db.SetAccessCount(newer.ID, newer.AccessCount+older.AccessCount); err != nil {
		return "", err
	}
	if older.Importance > newer.Importance {
		if err := d.db.UpdateImportance(newer.ID, older.Importance); err != nil {
			return "", err
		}
	}
	if _, err := d.db.DeleteRecord(older.ID); err != nil {
		return "", err
	}
	log.Printf("dedup: removed older record %s (kept %s)", older.ID, newer.ID)
	return older.ID, nil
}

// mergeScore ranks which record of a pair survives a merge.
func mergeScore(rec store.MemoryRecord, now time.Time) float64 {
	score := float64(len(rec.Content)) * 0.001
	score += rec.Importance * 10
	access := rec.AccessCount
	if access > 100 {
		access = 100
	}
	score += float64(access) * 0.1
	ageDays := rec.AgeHours(now) / 24
	score += math.Max(0, 30-ageDays) * 0.1
	if !rec.IsSummary {
		score += 2
	}
	return score
}

// Merge folds two duplicate records into the higher-value one and deletes
// the other. Returns the removed record's ID.
func (d *Deduplicator) Merge(a, b store.MemoryRecord) (string, error) {
	now := time.Now()
	keep, remove := a, b
	if mergeScore(b, now) > mergeScore(a, now) {
		keep, remove = b, a
	}

	strategy := pickMergeStrategy(keep, remove)
	if strategy == "merge_content" {
		merged, ok := mergeSentences(keep.Content, remove.Content)
		if ok {
			vec := keep.Vector
			if d.embedder != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				newVec, err := d.embedder.Embed(ctx, merged)
				cancel()
				if err == nil {
					vec = newVec
				}
			}
			if err := d.db.UpdateContent(keep.ID, merged, vec); err != nil {
				return "", err
			}
		}
	}

	if err := d.db.SetAccessCount(keep.ID, keep.AccessCount+remove.AccessCount); err != nil {
		return "", err
	}
	if remove.Importance > keep.Importance {
		if err := d.db.UpdateImportance(keep.ID, remove.Importance); err != nil {
			return "", err
		}
	}
	if _, err := d.db.DeleteRecord(remove.ID); err != nil {
		return "", err
	}
	log.Printf("dedup: merged %s into %s (%s)", remove.ID, keep.ID, strategy)
	return remove.ID, nil
}

// pickMergeStrategy chooses how the kept record absorbs the removed one.
func pickMergeStrategy(keep, remove store.MemoryRecord) string {
	if float64(len(keep.Content)) > 1.2*float64(len(remove.Content)) {
		return "keep_longer"
	}
	if keep.Importance != remove.Importance {
		return "keep_important"
	}
	if keep.CreatedAt > remove.CreatedAt {
		return "keep_newer"
	}
	return "merge_content"
}

// mergeSentences appends sentences from the removed content that the kept
// content doesn't already contain. A sentence counts as present if the kept
// text contains it verbatim or shares more than 70% of its words. Only
// merges when it adds between 1 and 4 new sentences.
func mergeSentences(keepContent, removeContent string) (string, bool) {
	keptLower := strings.ToLower(keepContent)
	keptWords := wordSet(keptLower)

	var fresh []string
	for _, sentence := range splitSentences(removeContent) {
		lower := strings.ToLower(sentence)
		if strings.Contains(keptLower, lower) {
			continue
		}
		if wordOverlap(wordSet(lower), keptWords) > 0.7 {
			continue
		}
		fresh = append(fresh, sentence)
	}

	if len(fresh) < 1 || len(fresh) > 4 {
		return "", false
	}
	return strings.TrimSpace(keepContent) + " " + strings.Join(fresh, " "), true
}

// splitSentences breaks text on sentence-ending punctuation.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(current.String())
			if len(s) > 3 {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); len(s) > 3 {
		sentences = append(sentences, s)
	}
	return sentences
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		set[strings.Trim(w, ".,!?;:")] = true
	}
	return set
}

// wordOverlap is the fraction of words in a that also appear in b.
func wordOverlap(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(a))
}

// CheckForDuplicate embeds text and returns an advisory pair against the
// closest existing record above the threshold, without mutating the store.
// Returns nil when nothing is close enough.
func (d *Deduplicator) CheckForDuplicate(ctx context.Context, text string) (*DuplicatePair, error) {
	if d.embedder == nil {
		return nil, ErrProviderUnavailable
	}
	vec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed for duplicate check: %w", err)
	}

	results, err := d.db.Search(vec, store.SearchOpts{
		Limit:    1,
		MinScore: d.cfg.Threshold,
		NoTouch:  true,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	candidate := store.MemoryRecord{Content: text, Vector: vec}
	pair := d.Decide(candidate, results[0].Record, results[0].Similarity)
	return &pair, nil
}
