package store

import (
	"testing"
	"time"
)

func TestCreateAndGetRecord(t *testing.T) {
	db := testDB(t)

	rec := &MemoryRecord{
		Content:    "weekly planning meeting moved to Tuesdays",
		SourceType: "note",
		Importance: 0.6,
		Vector:     []float64{0.1, 0.2, 0.3},
		Topics:     []string{"planning"},
		Tags:       []string{"meetings"},
	}
	if err := db.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated ID")
	}
	if rec.CreatedAt == 0 || rec.AccessedAt == 0 {
		t.Error("expected timestamps to be stamped")
	}

	got, err := db.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Content != rec.Content {
		t.Errorf("content = %q, want %q", got.Content, rec.Content)
	}
	if got.SourceType != "note" {
		t.Errorf("source_type = %q, want note", got.SourceType)
	}
	if got.Importance != 0.6 {
		t.Errorf("importance = %f, want 0.6", got.Importance)
	}
	if len(got.Vector) != 3 {
		t.Fatalf("vector length = %d, want 3", len(got.Vector))
	}
	if len(got.Topics) != 1 || got.Topics[0] != "planning" {
		t.Errorf("topics = %v, want [planning]", got.Topics)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "meetings" {
		t.Errorf("tags = %v, want [meetings]", got.Tags)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	db := testDB(t)

	if err := db.CreateRecord(&MemoryRecord{Content: "x", SourceType: "bogus"}); err == nil {
		t.Error("expected error for invalid source type")
	}
	if err := db.CreateRecord(&MemoryRecord{Content: "x", Importance: 1.5}); err == nil {
		t.Error("expected error for importance out of range")
	}

	// Empty source type defaults to manual
	rec := &MemoryRecord{Content: "x"}
	if err := db.CreateRecord(rec); err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.SourceType != "manual" {
		t.Errorf("source_type = %q, want manual", rec.SourceType)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	db := testDB(t)

	got, err := db.GetRecord("nope")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown ID")
	}
}

func TestDeleteRecord(t *testing.T) {
	db := testDB(t)

	rec := &MemoryRecord{Content: "to delete", SourceType: "note"}
	db.CreateRecord(rec)

	found, err := db.DeleteRecord(rec.ID)
	if err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if !found {
		t.Error("expected found = true")
	}

	// Deleting again is not an error
	found, err = db.DeleteRecord(rec.ID)
	if err != nil {
		t.Fatalf("second DeleteRecord: %v", err)
	}
	if found {
		t.Error("expected found = false on second delete")
	}
}

func TestUpdateMetadata(t *testing.T) {
	db := testDB(t)

	rec := &MemoryRecord{Content: "x", SourceType: "note", Importance: 0.3}
	db.CreateRecord(rec)

	imp := 0.9
	summary := true
	ok, err := db.UpdateMetadata(rec.ID, MetaPatch{
		Importance:    &imp,
		Tags:          []string{"pinned"},
		IsSummary:     &summary,
		SummarizedIDs: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if !ok {
		t.Fatal("expected ok = true")
	}

	got, _ := db.GetRecord(rec.ID)
	if got.Importance != 0.9 {
		t.Errorf("importance = %f, want 0.9", got.Importance)
	}
	if !got.IsSummary {
		t.Error("expected is_summary = true")
	}
	if len(got.Tags) != 1 || got.Tags[0] != "pinned" {
		t.Errorf("tags = %v, want [pinned]", got.Tags)
	}
	if len(got.SummarizedIDs) != 2 {
		t.Errorf("summarized_ids = %v, want 2 entries", got.SummarizedIDs)
	}

	// Unknown ID reports false, not an error
	ok, err = db.UpdateMetadata("nope", MetaPatch{Importance: &imp})
	if err != nil {
		t.Fatalf("UpdateMetadata unknown: %v", err)
	}
	if ok {
		t.Error("expected ok = false for unknown ID")
	}
}

func TestUpdateImportanceClamps(t *testing.T) {
	db := testDB(t)

	rec := &MemoryRecord{Content: "x", SourceType: "note", Importance: 0.5}
	db.CreateRecord(rec)

	if err := db.UpdateImportance(rec.ID, 1.7); err != nil {
		t.Fatalf("UpdateImportance: %v", err)
	}
	got, _ := db.GetRecord(rec.ID)
	if got.Importance != 1.0 {
		t.Errorf("importance = %f, want clamped 1.0", got.Importance)
	}
}

func TestTouchRecords(t *testing.T) {
	db := testDB(t)

	a := &MemoryRecord{Content: "a", SourceType: "note"}
	b := &MemoryRecord{Content: "b", SourceType: "note"}
	db.CreateRecord(a)
	db.CreateRecord(b)

	if err := db.TouchRecords([]string{a.ID, b.ID}); err != nil {
		t.Fatalf("TouchRecords: %v", err)
	}

	gotA, _ := db.GetRecord(a.ID)
	gotB, _ := db.GetRecord(b.ID)
	if gotA.AccessCount != 1 || gotB.AccessCount != 1 {
		t.Errorf("access counts = %d, %d, want 1, 1", gotA.AccessCount, gotB.AccessCount)
	}

	// Empty slice is a no-op
	if err := db.TouchRecords(nil); err != nil {
		t.Fatalf("TouchRecords(nil): %v", err)
	}
}

func TestCountBySourceType(t *testing.T) {
	db := testDB(t)

	db.CreateRecord(&MemoryRecord{Content: "a", SourceType: "note"})
	db.CreateRecord(&MemoryRecord{Content: "b", SourceType: "note"})
	db.CreateRecord(&MemoryRecord{Content: "c", SourceType: "conversation"})

	counts, err := db.CountBySourceType()
	if err != nil {
		t.Fatalf("CountBySourceType: %v", err)
	}
	if counts["note"] != 2 {
		t.Errorf("note count = %d, want 2", counts["note"])
	}
	if counts["conversation"] != 1 {
		t.Errorf("conversation count = %d, want 1", counts["conversation"])
	}
}

func TestListBatchKeyset(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		db.CreateRecord(&MemoryRecord{Content: "rec", SourceType: "note"})
	}

	seen := make(map[string]bool)
	afterID := ""
	for {
		batch, err := db.ListBatch(2, afterID)
		if err != nil {
			t.Fatalf("ListBatch: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if seen[rec.ID] {
				t.Errorf("record %s returned twice", rec.ID)
			}
			seen[rec.ID] = true
		}
		afterID = batch[len(batch)-1].ID
	}
	if len(seen) != 5 {
		t.Errorf("saw %d records, want 5", len(seen))
	}
}

func TestFindByContentPattern(t *testing.T) {
	db := testDB(t)

	match := &MemoryRecord{Content: "prefers dark mode in all editors", SourceType: "note"}
	other := &MemoryRecord{Content: "completely unrelated", SourceType: "note"}
	db.CreateRecord(match)
	db.CreateRecord(other)

	ids, err := db.FindByContentPattern("dark mode")
	if err != nil {
		t.Fatalf("FindByContentPattern: %v", err)
	}
	if len(ids) != 1 || ids[0] != match.ID {
		t.Errorf("ids = %v, want [%s]", ids, match.ID)
	}

	// LIKE metacharacters are literals
	ids, err = db.FindByContentPattern("100%")
	if err != nil {
		t.Fatalf("FindByContentPattern: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no matches for escaped pattern, got %v", ids)
	}
}

func TestFindByTag(t *testing.T) {
	db := testDB(t)

	tagged := &MemoryRecord{Content: "a", SourceType: "note", Tags: []string{"work", "q3"}}
	plain := &MemoryRecord{Content: "b", SourceType: "note"}
	db.CreateRecord(tagged)
	db.CreateRecord(plain)

	ids, err := db.FindByTag("q3")
	if err != nil {
		t.Fatalf("FindByTag: %v", err)
	}
	if len(ids) != 1 || ids[0] != tagged.ID {
		t.Errorf("ids = %v, want [%s]", ids, tagged.ID)
	}
}

func TestFindByDateRange(t *testing.T) {
	db := testDB(t)

	rec := &MemoryRecord{Content: "a", SourceType: "note"}
	db.CreateRecord(rec)

	now := time.Now().UnixMilli()

	ids, err := db.FindByDateRange(now-60_000, now+60_000)
	if err != nil {
		t.Fatalf("FindByDateRange: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("ids = %v, want 1 match", ids)
	}

	ids, err = db.FindByDateRange(now+60_000, 0)
	if err != nil {
		t.Fatalf("FindByDateRange future: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no matches in the future, got %v", ids)
	}
}
