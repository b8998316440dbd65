package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryRecord is one stored (vector, content, metadata) unit.
// The store owns all records; other components reference them by ID.
type MemoryRecord struct {
	ID            string    `json:"id"`
	Vector        []float64 `json:"-"`
	Content       string    `json:"content"`
	SourceType    string    `json:"source_type"`
	Importance    float64   `json:"importance"`
	AccessCount   int       `json:"access_count"`
	IsSummary     bool      `json:"is_summary"`
	CreatedAt     int64     `json:"created_at"`  // unix millis
	AccessedAt    int64     `json:"accessed_at"` // unix millis
	Topics        []string  `json:"topics,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	SummarizedIDs []string  `json:"summarized_ids,omitempty"`
}

// ValidSourceTypes are the allowed memory source types.
var ValidSourceTypes = map[string]bool{
	"conversation": true,
	"note":         true,
	"document":     true,
	"instruction":  true,
	"summary":      true,
	"manual":       true,
}

// recordMeta is the JSON shape persisted in the meta column.
type recordMeta struct {
	Topics        []string `json:"topics,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	SummarizedIDs []string `json:"summarized_ids,omitempty"`
}

// AgeHours returns the record's age in hours at time now.
func (r *MemoryRecord) AgeHours(now time.Time) float64 {
	return float64(now.UnixMilli()-r.CreatedAt) / (1000 * 60 * 60)
}

// HoursSinceAccess returns hours since the record was last accessed.
func (r *MemoryRecord) HoursSinceAccess(now time.Time) float64 {
	return float64(now.UnixMilli()-r.AccessedAt) / (1000 * 60 * 60)
}

// NewID generates a new sortable record ID.
func NewID() string {
	return ulid.Make().String()
}

// CreateRecord inserts a new memory record. Assigns an ID if empty and
// stamps created_at = accessed_at = now.
func (db *DB) CreateRecord(rec *MemoryRecord) error {
	if rec.SourceType == "" {
		rec.SourceType = "manual"
	}
	if !ValidSourceTypes[rec.SourceType] {
		return fmt.Errorf("invalid source type %q", rec.SourceType)
	}
	if rec.Importance < 0 || rec.Importance > 1 {
		return fmt.Errorf("importance %.3f out of range [0,1]", rec.Importance)
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}

	now := time.Now().UnixMilli()
	rec.CreatedAt = now
	rec.AccessedAt = now

	meta, err := json.Marshal(recordMeta{
		Topics:        rec.Topics,
		Tags:          rec.Tags,
		SummarizedIDs: rec.SummarizedIDs,
	})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	isSummary := 0
	if rec.IsSummary {
		isSummary = 1
	}

	_, err = db.Exec(`
		INSERT INTO memories (id, vector, content, source_type, importance, access_count, is_summary, created_at, accessed_at, meta)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, rec.ID, encodeVector(rec.Vector), rec.Content, rec.SourceType,
		rec.Importance, isSummary, now, now, string(meta))
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

const recordColumns = "id, vector, content, source_type, importance, access_count, is_summary, created_at, accessed_at, meta"

// GetRecord returns a record by ID, or nil if not found.
func (db *DB) GetRecord(id string) (*MemoryRecord, error) {
	row := db.QueryRow("SELECT "+recordColumns+" FROM memories WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// DeleteRecord removes a record by ID. Returns false if the ID was unknown —
// deleting a missing record is not an error.
func (db *DB) DeleteRecord(id string) (bool, error) {
	result, err := db.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// MetaPatch holds optional field updates for UpdateMetadata.
// Nil fields are left untouched.
type MetaPatch struct {
	Importance    *float64
	Topics        []string
	Tags          []string
	IsSummary     *bool
	SummarizedIDs []string
}

// UpdateMetadata applies a partial metadata update to a record.
// All mutation goes through here (or UpdateImportance/TouchRecords) so the
// denormalized columns and meta JSON never diverge.
func (db *DB) UpdateMetadata(id string, patch MetaPatch) (bool, error) {
	rec, err := db.GetRecord(id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if patch.Importance != nil {
		v := clamp01(*patch.Importance)
		rec.Importance = v
	}
	if patch.Topics != nil {
		rec.Topics = patch.Topics
	}
	if patch.Tags != nil {
		rec.Tags = patch.Tags
	}
	if patch.IsSummary != nil {
		rec.IsSummary = *patch.IsSummary
	}
	if patch.SummarizedIDs != nil {
		rec.SummarizedIDs = patch.SummarizedIDs
	}

	meta, err := json.Marshal(recordMeta{
		Topics:        rec.Topics,
		Tags:          rec.Tags,
		SummarizedIDs: rec.SummarizedIDs,
	})
	if err != nil {
		return false, fmt.Errorf("marshal meta: %w", err)
	}

	isSummary := 0
	if rec.IsSummary {
		isSummary = 1
	}

	_, err = db.Exec(`
		UPDATE memories SET importance = ?, is_summary = ?, meta = ? WHERE id = ?
	`, rec.Importance, isSummary, string(meta), id)
	if err != nil {
		return false, fmt.Errorf("update metadata: %w", err)
	}
	return true, nil
}

// UpdateImportance sets a record's importance, clamped to [0,1].
func (db *DB) UpdateImportance(id string, importance float64) error {
	_, err := db.Exec("UPDATE memories SET importance = ? WHERE id = ?", clamp01(importance), id)
	if err != nil {
		return fmt.Errorf("update importance: %w", err)
	}
	return nil
}

// SetAccessCount overwrites a record's access counter (used when merging
// duplicates, where the keeper absorbs the removed record's accesses).
func (db *DB) SetAccessCount(id string, count int) error {
	_, err := db.Exec("UPDATE memories SET access_count = ? WHERE id = ?", count, id)
	if err != nil {
		return fmt.Errorf("set access count: %w", err)
	}
	return nil
}

// UpdateContent replaces a record's content and vector together.
func (db *DB) UpdateContent(id, content string, vector []float64) error {
	_, err := db.Exec("UPDATE memories SET content = ?, vector = ? WHERE id = ?",
		content, encodeVector(vector), id)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return nil
}

// SetVector attaches an embedding to a record stored without one.
func (db *DB) SetVector(id string, vector []float64) error {
	_, err := db.Exec("UPDATE memories SET vector = ? WHERE id = ?",
		encodeVector(vector), id)
	if err != nil {
		return fmt.Errorf("set vector: %w", err)
	}
	return nil
}

// ListMissingVectors returns records stored without an embedding, oldest
// first. These are the records written while the embedding provider was
// down; they stay invisible to similarity search until backfilled.
func (db *DB) ListMissingVectors(limit int) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memories
		WHERE vector IS NULL
		ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing vectors: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// TouchRecords stamps accessed_at and increments access_count for the given
// IDs (retrieval reinforcement).
func (db *DB) TouchRecords(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	query := fmt.Sprintf(`
		UPDATE memories SET accessed_at = ?, access_count = access_count + 1
		WHERE id IN (%s)
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("touch records: %w", err)
	}
	return nil
}

// Count returns the total number of stored records.
func (db *DB) Count() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

// CountBySourceType returns record counts grouped by source type.
func (db *DB) CountBySourceType() (map[string]int, error) {
	rows, err := db.Query("SELECT source_type, COUNT(*) FROM memories GROUP BY source_type")
	if err != nil {
		return nil, fmt.Errorf("count by source type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ListRecent returns up to limit records ordered by created_at descending.
func (db *DB) ListRecent(limit int) ([]MemoryRecord, error) {
	rows, err := db.Query(
		"SELECT "+recordColumns+" FROM memories ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListBySourceType returns a batch of records of one source type, ordered by
// ID, starting after afterID. Keyset pagination keeps the cursor stable when
// a pass deletes rows out of the batch it just read; IDs are time-prefixed,
// so ID order is creation order.
func (db *DB) ListBySourceType(sourceType string, limit int, afterID string) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memories
		WHERE source_type = ? AND id > ?
		ORDER BY id ASC LIMIT ?
	`, sourceType, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by source type: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListBatch returns a batch of all records ordered by ID (stable across
// concurrent inserts since IDs are time-prefixed).
func (db *DB) ListBatch(limit int, afterID string) ([]MemoryRecord, error) {
	rows, err := db.Query(`
		SELECT `+recordColumns+` FROM memories
		WHERE id > ?
		ORDER BY id ASC LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindByContentPattern returns IDs of records whose content matches the
// given substring, case-insensitive.
func (db *DB) FindByContentPattern(pattern string) ([]string, error) {
	rows, err := db.Query(
		"SELECT id FROM memories WHERE content LIKE ? ESCAPE '\\'",
		"%"+escapeLike(pattern)+"%")
	if err != nil {
		return nil, fmt.Errorf("find by pattern: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FindByDateRange returns IDs of records created within [from, to] millis.
// A zero bound is open-ended.
func (db *DB) FindByDateRange(fromMillis, toMillis int64) ([]string, error) {
	if toMillis == 0 {
		toMillis = time.Now().UnixMilli()
	}
	rows, err := db.Query(
		"SELECT id FROM memories WHERE created_at >= ? AND created_at <= ?",
		fromMillis, toMillis)
	if err != nil {
		return nil, fmt.Errorf("find by date range: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FindByTag returns IDs of records carrying the given tag.
// Tags live in the meta JSON, so this scans and filters in Go.
func (db *DB) FindByTag(tag string) ([]string, error) {
	rows, err := db.Query("SELECT id, meta FROM memories")
	if err != nil {
		return nil, fmt.Errorf("find by tag: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		var meta recordMeta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		for _, t := range meta.Tags {
			if t == tag {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, rows.Err()
}

// AllIDs returns every record ID.
func (db *DB) AllIDs() ([]string, error) {
	rows, err := db.Query("SELECT id FROM memories")
	if err != nil {
		return nil, fmt.Errorf("all ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*MemoryRecord, error) {
	var rec MemoryRecord
	var blob []byte
	var isSummary int
	var metaJSON string

	err := row.Scan(&rec.ID, &blob, &rec.Content, &rec.SourceType,
		&rec.Importance, &rec.AccessCount, &isSummary,
		&rec.CreatedAt, &rec.AccessedAt, &metaJSON)
	if err != nil {
		return nil, err
	}

	rec.Vector = decodeVector(blob)
	rec.IsSummary = isSummary != 0

	var meta recordMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err == nil {
		rec.Topics = meta.Topics
		rec.Tags = meta.Tags
		rec.SummarizedIDs = meta.SummarizedIDs
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]MemoryRecord, error) {
	var records []MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
