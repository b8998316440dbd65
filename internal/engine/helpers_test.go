package engine

import (
	"context"
	"testing"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// mustCreate inserts a record and returns its ID.
func mustCreate(t *testing.T, db *store.DB, rec *store.MemoryRecord) string {
	t.Helper()
	if err := db.CreateRecord(rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec.ID
}

// backdate rewrites a record's timestamps, bypassing the insert path.
func backdate(t *testing.T, db *store.DB, id string, createdAt, accessedAt time.Time) {
	t.Helper()
	_, err := db.Exec(
		`UPDATE memories SET created_at = ?, accessed_at = ? WHERE id = ?`,
		createdAt.UnixMilli(), accessedAt.UnixMilli(), id,
	)
	if err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
}

// mustEmbed embeds text with the given embedder or fails the test.
func mustEmbed(t *testing.T, e Embedder, text string) []float64 {
	t.Helper()
	vec, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed %q: %v", text, err)
	}
	return vec
}
