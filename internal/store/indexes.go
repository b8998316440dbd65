package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IndexDef describes a managed index over the memory table.
// The vector index is a contract with a pluggable similarity backend; the
// scalar defs mirror the SQLite indexes created by the migrations.
type IndexDef struct {
	Name            string
	Kind            string // "vector" or "scalar"
	Column          string
	Params          string // backend config JSON
	IsBuilt         bool
	RowCountAtBuild int
	BuildDurationMs int64
	CreatedAt       int64
}

// Staleness returns the fraction of rows added since the index was built.
// An unbuilt index is always fully stale.
func (d *IndexDef) Staleness(currentRows int) float64 {
	if !d.IsBuilt || d.RowCountAtBuild == 0 {
		return 1.0
	}
	grown := currentRows - d.RowCountAtBuild
	if grown <= 0 {
		return 0
	}
	return float64(grown) / float64(d.RowCountAtBuild)
}

// QueryPattern aggregates observed query shapes for index suggestions.
type QueryPattern struct {
	Pattern        string
	FilterColumns  []string
	UsedVector     bool
	QueryCount     int
	TotalLatencyMs float64
	LastSeen       int64
}

// IndexSuggestion ranks a candidate index by observed query load.
type IndexSuggestion struct {
	Column   string  `json:"column"`
	Priority float64 `json:"priority"` // query_count * avg latency
	Queries  int     `json:"queries"`
}

// DefaultIndexMinRows is the row count past which default indexes are
// created automatically.
const DefaultIndexMinRows = 1000

// DefaultRebuildThreshold marks an index stale once 20% new rows accumulate.
const DefaultRebuildThreshold = 0.2

// CreateIndexDef registers (or replaces) an index definition.
func (db *DB) CreateIndexDef(def *IndexDef) error {
	now := time.Now().UnixMilli()
	if def.Params == "" {
		def.Params = "{}"
	}
	_, err := db.Exec(`
		INSERT INTO index_defs (name, kind, column_name, params, is_built, row_count_at_build, build_duration_ms, created_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?)
		ON CONFLICT(name) DO UPDATE SET kind = ?, column_name = ?, params = ?
	`, def.Name, def.Kind, def.Column, def.Params, now,
		def.Kind, def.Column, def.Params)
	if err != nil {
		return fmt.Errorf("create index def: %w", err)
	}
	def.CreatedAt = now
	return nil
}

// GetIndexDef returns an index definition by name, or nil if not found.
func (db *DB) GetIndexDef(name string) (*IndexDef, error) {
	var d IndexDef
	var isBuilt int
	err := db.QueryRow(`
		SELECT name, kind, column_name, params, is_built, row_count_at_build, build_duration_ms, created_at
		FROM index_defs WHERE name = ?
	`, name).Scan(&d.Name, &d.Kind, &d.Column, &d.Params, &isBuilt,
		&d.RowCountAtBuild, &d.BuildDurationMs, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index def: %w", err)
	}
	d.IsBuilt = isBuilt != 0
	return &d, nil
}

// ListIndexDefs returns all registered index definitions.
func (db *DB) ListIndexDefs() ([]IndexDef, error) {
	rows, err := db.Query(`
		SELECT name, kind, column_name, params, is_built, row_count_at_build, build_duration_ms, created_at
		FROM index_defs ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list index defs: %w", err)
	}
	defer rows.Close()

	var defs []IndexDef
	for rows.Next() {
		var d IndexDef
		var isBuilt int
		if err := rows.Scan(&d.Name, &d.Kind, &d.Column, &d.Params, &isBuilt,
			&d.RowCountAtBuild, &d.BuildDurationMs, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan index def: %w", err)
		}
		d.IsBuilt = isBuilt != 0
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// MarkIndexBuilt stamps an index as built at the current row count.
func (db *DB) MarkIndexBuilt(name string, duration time.Duration) error {
	count, err := db.Count()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE index_defs SET is_built = 1, row_count_at_build = ?, build_duration_ms = ?
		WHERE name = ?
	`, count, duration.Milliseconds(), name)
	if err != nil {
		return fmt.Errorf("mark index built: %w", err)
	}
	return nil
}

// StaleIndexes returns definitions whose staleness exceeds the threshold.
func (db *DB) StaleIndexes(threshold float64) ([]IndexDef, error) {
	defs, err := db.ListIndexDefs()
	if err != nil {
		return nil, err
	}
	count, err := db.Count()
	if err != nil {
		return nil, err
	}

	var stale []IndexDef
	for _, d := range defs {
		if d.Staleness(count) >= threshold {
			stale = append(stale, d)
		}
	}
	return stale, nil
}

// EnsureDefaultIndexes registers the default vector index plus scalar
// indexes once the store passes minRows. Returns the number created.
func (db *DB) EnsureDefaultIndexes(minRows int) (int, error) {
	count, err := db.Count()
	if err != nil {
		return 0, err
	}
	if count < minRows {
		return 0, nil
	}

	defaults := []IndexDef{
		{Name: "vec_memories", Kind: "vector", Column: "vector", Params: `{"metric":"cosine"}`},
		{Name: "idx_source_type", Kind: "scalar", Column: "source_type"},
		{Name: "idx_importance", Kind: "scalar", Column: "importance"},
		{Name: "idx_created_at", Kind: "scalar", Column: "created_at"},
		{Name: "idx_accessed_at", Kind: "scalar", Column: "accessed_at"},
	}

	created := 0
	for _, d := range defaults {
		existing, err := db.GetIndexDef(d.Name)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		if err := db.CreateIndexDef(&d); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// RecordQueryPattern aggregates one observed query shape.
func (db *DB) RecordQueryPattern(filterColumns []string, usedVector bool, latency time.Duration) error {
	cols := append([]string(nil), filterColumns...)
	sort.Strings(cols)
	pattern := strings.Join(cols, ",")
	if usedVector {
		pattern += "|vector"
	}
	if pattern == "" {
		pattern = "(none)"
	}

	now := time.Now().UnixMilli()
	vec := 0
	if usedVector {
		vec = 1
	}
	ms := float64(latency.Microseconds()) / 1000.0

	_, err := db.Exec(`
		INSERT INTO query_patterns (pattern, filter_columns, used_vector, query_count, total_latency_ms, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			query_count = query_count + 1,
			total_latency_ms = total_latency_ms + ?,
			last_seen = ?
	`, pattern, strings.Join(cols, ","), vec, ms, now, ms, now)
	if err != nil {
		return fmt.Errorf("record query pattern: %w", err)
	}
	return nil
}

// SuggestIndexes ranks filter columns seen in queries that have no matching
// index definition, by query count times average latency.
func (db *DB) SuggestIndexes() ([]IndexSuggestion, error) {
	defs, err := db.ListIndexDefs()
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]bool)
	for _, d := range defs {
		indexed[d.Column] = true
	}

	rows, err := db.Query("SELECT filter_columns, query_count, total_latency_ms FROM query_patterns")
	if err != nil {
		return nil, fmt.Errorf("load query patterns: %w", err)
	}
	defer rows.Close()

	type colStats struct {
		queries int
		latency float64
	}
	stats := make(map[string]*colStats)
	for rows.Next() {
		var colsCSV string
		var count int
		var latency float64
		if err := rows.Scan(&colsCSV, &count, &latency); err != nil {
			return nil, fmt.Errorf("scan query pattern: %w", err)
		}
		for _, col := range strings.Split(colsCSV, ",") {
			if col == "" || indexed[col] {
				continue
			}
			s := stats[col]
			if s == nil {
				s = &colStats{}
				stats[col] = s
			}
			s.queries += count
			s.latency += latency
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var suggestions []IndexSuggestion
	for col, s := range stats {
		avg := 0.0
		if s.queries > 0 {
			avg = s.latency / float64(s.queries)
		}
		suggestions = append(suggestions, IndexSuggestion{
			Column:   col,
			Priority: float64(s.queries) * avg,
			Queries:  s.queries,
		})
	}
	sort.Slice(suggestions, func(i, j int) bool {
		return suggestions[i].Priority > suggestions[j].Priority
	})
	return suggestions, nil
}
