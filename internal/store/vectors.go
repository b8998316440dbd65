package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// encodeVector converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeVector(vec []float64) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector converts a binary BLOB back to []float64.
func decodeVector(buf []byte) []float64 {
	if len(buf) == 0 {
		return nil
	}
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// Cosine computes the cosine similarity between two vectors.
// Works on unnormalized vectors; mismatched lengths score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// SearchOpts controls similarity search behavior.
type SearchOpts struct {
	Limit      int     // max results (default 10)
	MinScore   float64 // drop results below this similarity
	SourceType string  // filter by source type (empty = all)
	Tag        string  // filter by tag (empty = all)
	Topic      string  // filter by topic (empty = all)
	NoTouch    bool    // skip access reinforcement (advisory queries)
}

func (o SearchOpts) limit() int {
	if o.Limit <= 0 {
		return 10
	}
	return o.Limit
}

// SearchResult is one similarity-ranked record.
type SearchResult struct {
	Record     MemoryRecord `json:"record"`
	Similarity float64      `json:"similarity"`
}

// Search ranks stored records by cosine similarity to the query vector,
// applying metadata filters first. Returned records get their access count
// and accessed_at bumped unless NoTouch is set. Records without a vector
// (or with a mismatched dimension) never match — a deletion racing the scan
// just means fewer candidates.
func (db *DB) Search(queryVec []float64, opts SearchOpts) ([]SearchResult, error) {
	start := time.Now()

	query := "SELECT " + recordColumns + " FROM memories"
	var args []any
	if opts.SourceType != "" {
		query += " WHERE source_type = ?"
		args = append(args, opts.SourceType)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	candidates, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, rec := range candidates {
		if opts.Tag != "" && !contains(rec.Tags, opts.Tag) {
			continue
		}
		if opts.Topic != "" && !contains(rec.Topics, opts.Topic) {
			continue
		}

		sim := Cosine(queryVec, rec.Vector)
		if sim < opts.MinScore || sim <= 0 {
			continue
		}
		results = append(results, SearchResult{Record: rec, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	limit := opts.limit()
	if len(results) > limit {
		results = results[:limit]
	}

	// Record the query pattern for index suggestions
	var filterCols []string
	if opts.SourceType != "" {
		filterCols = append(filterCols, "source_type")
	}
	if opts.Tag != "" {
		filterCols = append(filterCols, "tag")
	}
	if opts.Topic != "" {
		filterCols = append(filterCols, "topic")
	}
	db.RecordQueryPattern(filterCols, true, time.Since(start))

	if !opts.NoTouch && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Record.ID
		}
		if err := db.TouchRecords(ids); err != nil {
			return results, err
		}
		for i := range results {
			results[i].Record.AccessCount++
		}
	}

	return results, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
