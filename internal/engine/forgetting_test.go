package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

func testForgetting(t *testing.T, db *store.DB) *ForgettingEngine {
	t.Helper()
	scorer := NewScorer(DefaultScorerConfig())
	cfg := DefaultForgettingConfig()
	cfg.AuditEnabled = false
	return NewForgettingEngine(db, scorer, nil, cfg, nil)
}

func TestEvaluatePermanentProtected(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "My name is Dana and I live in Portland",
		SourceType: "conversation",
		Importance: 0.1,
		CreatedAt:  now.Add(-10000 * time.Hour).UnixMilli(),
		AccessedAt: now.Add(-10000 * time.Hour).UnixMilli(),
	}
	d := f.Evaluate(rec, now)
	if d.Action != ActionProtected {
		t.Errorf("action = %q, want protected", d.Action)
	}
	if d.Policy != "identity" {
		t.Errorf("policy = %q, want identity", d.Policy)
	}
	if d.DecayedScore != 0.1 {
		t.Errorf("permanent record decayed: %f", d.DecayedScore)
	}
}

func TestEvaluateHighScoreProtected(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "The server config changed after the deploy",
		SourceType: "note",
		Importance: 0.9,
		CreatedAt:  now.Add(-2 * time.Hour).UnixMilli(),
		AccessedAt: now.Add(-2 * time.Hour).UnixMilli(),
	}
	d := f.Evaluate(rec, now)
	if d.Action != ActionProtected {
		t.Errorf("action = %q, want protected (score %f)", d.Action, d.DecayedScore)
	}
	if d.Policy != "technical" {
		t.Errorf("policy = %q, want technical", d.Policy)
	}
}

func TestEvaluateFlaggedForDeletion(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	// Casual chatter well past its retention window
	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "haha cool",
		SourceType: "conversation",
		Importance: 0.2,
		CreatedAt:  now.Add(-300 * time.Hour).UnixMilli(),
		AccessedAt: now.Add(-300 * time.Hour).UnixMilli(),
	}
	d := f.Evaluate(rec, now)
	if d.Action != ActionFlaggedDeletion {
		t.Errorf("action = %q, want flagged_for_deletion (score %f)", d.Action, d.DecayedScore)
	}
	if d.Policy != "casual" {
		t.Errorf("policy = %q, want casual", d.Policy)
	}
}

func TestEvaluateFlaggedForConsolidation(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	// Decayed but still inside the retention window
	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "haha cool",
		SourceType: "conversation",
		Importance: 0.4,
		CreatedAt:  now.Add(-30 * time.Hour).UnixMilli(),
		AccessedAt: now.Add(-30 * time.Hour).UnixMilli(),
	}
	d := f.Evaluate(rec, now)
	if d.Action != ActionFlaggedConsolidation {
		t.Errorf("action = %q, want flagged_for_consolidation (score %f)", d.Action, d.DecayedScore)
	}
}

func TestEvaluateDecayed(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "The database migration touched the api config",
		SourceType: "note",
		Importance: 0.6,
		CreatedAt:  now.Add(-300 * time.Hour).UnixMilli(),
		AccessedAt: now.Add(-300 * time.Hour).UnixMilli(),
	}
	d := f.Evaluate(rec, now)
	if d.Action != ActionDecayed {
		t.Errorf("action = %q, want decayed (score %f)", d.Action, d.DecayedScore)
	}
	if d.DecayedScore >= 0.6 {
		t.Errorf("score did not decay: %f", d.DecayedScore)
	}
}

func TestEvaluateReinforcementProtects(t *testing.T) {
	f := testForgetting(t, nil)
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "haha cool",
		SourceType: "conversation",
		Importance: 0.78,
		CreatedAt:  now.Add(-30 * time.Minute).UnixMilli(),
		AccessedAt: now.Add(-5 * time.Minute).UnixMilli(),
	}

	// Untouched it sits just below the casual protection threshold
	d := f.Evaluate(rec, now)
	if d.Action == ActionProtected {
		t.Fatalf("unboosted record already protected (score %f)", d.DecayedScore)
	}

	rec.AccessCount = 20
	d = f.Evaluate(rec, now)
	if d.Action != ActionProtected {
		t.Errorf("boosted action = %q, want protected (boost %f)", d.Action, d.Boost)
	}
	if d.Boost <= 0 {
		t.Errorf("boost = %f, want positive", d.Boost)
	}
}

func TestRunPass(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)
	now := time.Now()

	perm := store.MemoryRecord{Content: "My name is Dana Smith", SourceType: "conversation", Importance: 0.5}
	mustCreate(t, db, &perm)

	stale := store.MemoryRecord{Content: "haha cool", SourceType: "conversation", Importance: 0.2}
	mustCreate(t, db, &stale)
	backdate(t, db, stale.ID, now.Add(-300*time.Hour), now.Add(-300*time.Hour))

	decaying := store.MemoryRecord{Content: "The database migration touched the api config", SourceType: "note", Importance: 0.6}
	mustCreate(t, db, &decaying)
	backdate(t, db, decaying.ID, now.Add(-300*time.Hour), now.Add(-300*time.Hour))

	res, err := f.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Processed != 3 {
		t.Errorf("processed = %d, want 3", res.Processed)
	}
	if res.Protected != 1 {
		t.Errorf("protected = %d, want 1", res.Protected)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", res.Deleted)
	}
	if res.Decayed != 1 {
		t.Errorf("decayed = %d, want 1", res.Decayed)
	}

	if rec, _ := db.GetRecord(stale.ID); rec != nil {
		t.Error("stale record survived the pass")
	}

	rec, err := db.GetRecord(decaying.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("decaying record deleted")
	}
	if rec.Importance >= 0.6 {
		t.Errorf("decayed importance not written back: %f", rec.Importance)
	}

	if rec, _ := db.GetRecord(perm.ID); rec == nil || rec.Importance != 0.5 {
		t.Errorf("protected record altered: %+v", rec)
	}
}

func TestRunPassAlreadyRunning(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)

	f.passRunning.Store(true)
	if _, err := f.RunPass(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}

	f.passRunning.Store(false)
	if _, err := f.RunPass(context.Background()); err != nil {
		t.Errorf("pass after release: %v", err)
	}
}

func TestForgetSelectors(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)

	a := store.MemoryRecord{Content: "alpha release notes drafted", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &a)
	b := store.MemoryRecord{Content: "unrelated shopping reminder", SourceType: "note", Importance: 0.3, Tags: []string{"errand"}}
	mustCreate(t, db, &b)
	c := store.MemoryRecord{Content: "beta checklist pending", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &c)

	res, err := f.Forget(ForgetOptions{
		ContentPattern: "alpha release",
		Tags:           []string{"errand"},
		IDs:            []string{"no-such-id"},
		Force:          true,
	})
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if len(res.Deleted) != 2 {
		t.Errorf("deleted = %v, want the pattern and tag matches", res.Deleted)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "no-such-id" {
		t.Errorf("not found = %v", res.NotFound)
	}

	if rec, _ := db.GetRecord(c.ID); rec == nil {
		t.Error("unselected record deleted")
	}
}

func TestForgetProtectionAndForce(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)

	rec := store.MemoryRecord{Content: "My name is Dana Smith", SourceType: "conversation", Importance: 0.5}
	mustCreate(t, db, &rec)

	res, err := f.Forget(ForgetOptions{IDs: []string{rec.ID}})
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if len(res.Protected) != 1 || res.Protected[0] != rec.ID {
		t.Fatalf("protected = %v", res.Protected)
	}
	if got, _ := db.GetRecord(rec.ID); got == nil {
		t.Fatal("protected record deleted")
	}

	res, err = f.Forget(ForgetOptions{IDs: []string{rec.ID}, Force: true})
	if err != nil {
		t.Fatalf("forced forget: %v", err)
	}
	if len(res.Deleted) != 1 {
		t.Fatalf("forced deleted = %v", res.Deleted)
	}
	if got, _ := db.GetRecord(rec.ID); got != nil {
		t.Fatal("forced forget left the record")
	}
}

func TestForgetDateRange(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)
	now := time.Now()

	old := store.MemoryRecord{Content: "stale window entry", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &old)
	backdate(t, db, old.ID, now.Add(-72*time.Hour), now.Add(-72*time.Hour))

	recent := store.MemoryRecord{Content: "fresh entry stays", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &recent)

	res, err := f.Forget(ForgetOptions{
		After:  now.Add(-96 * time.Hour),
		Before: now.Add(-48 * time.Hour),
		Force:  true,
	})
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != old.ID {
		t.Errorf("deleted = %v, want just %s", res.Deleted, old.ID)
	}
}

func TestSubmitDeletionRequest(t *testing.T) {
	db := testDB(t)
	audit, err := store.OpenAuditLog(filepath.Join(t.TempDir(), "audit.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { audit.Close() })

	scorer := NewScorer(DefaultScorerConfig())
	f := NewForgettingEngine(db, scorer, nil, DefaultForgettingConfig(), audit)

	a := store.MemoryRecord{Content: "first target", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &a)
	b := store.MemoryRecord{Content: "second target", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &b)
	keep := store.MemoryRecord{Content: "kept around", SourceType: "note", Importance: 0.3}
	mustCreate(t, db, &keep)

	req, err := f.SubmitDeletionRequest(context.Background(), store.ScopeSpecific, store.DeletionTarget{
		IDs: []string{a.ID, b.ID, "ghost"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != store.RequestCompleted {
		t.Fatalf("status = %q, want completed", req.Status)
	}
	if req.DeletedCount != 2 {
		t.Errorf("deleted count = %d, want 2 (ghost skipped)", req.DeletedCount)
	}
	if req.CertificateHash == "" {
		t.Error("missing certificate hash")
	}
	if req.CompletedAt == 0 {
		t.Error("missing completion timestamp")
	}

	if rec, _ := db.GetRecord(keep.ID); rec == nil {
		t.Error("out-of-scope record deleted")
	}

	// The stored row matches the returned one
	stored, err := db.GetDeletionRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.CertificateHash != req.CertificateHash {
		t.Errorf("stored request mismatch: %+v", stored)
	}

	// Full audit trail in order
	events, err := audit.Events()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"submitted", "processing", "completed"}
	if len(events) != len(want) {
		t.Fatalf("got %d audit events, want %d", len(events), len(want))
	}
	for i, action := range want {
		if events[i].Action != action {
			t.Errorf("event %d = %q, want %q", i, events[i].Action, action)
		}
		if events[i].RequestID != req.ID {
			t.Errorf("event %d request id = %q", i, events[i].RequestID)
		}
	}
	if events[2].CertificateHash != req.CertificateHash {
		t.Error("completed event missing certificate")
	}
}

func TestSubmitDeletionRequestBadCategory(t *testing.T) {
	db := testDB(t)
	f := testForgetting(t, db)

	req, err := f.SubmitDeletionRequest(context.Background(), store.ScopeCategory, store.DeletionTarget{
		Category: "bogus",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != store.RequestFailed {
		t.Errorf("status = %q, want failed", req.Status)
	}
	if req.Error == "" {
		t.Error("missing failure reason")
	}

	stored, err := db.GetDeletionRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Status != store.RequestFailed {
		t.Errorf("stored status = %+v", stored)
	}
}

func TestCertificateHashDeterministic(t *testing.T) {
	h1 := CertificateHash("req-1", []string{"b", "a", "c"}, 1700000000000, store.ScopeSpecific)
	h2 := CertificateHash("req-1", []string{"c", "a", "b"}, 1700000000000, store.ScopeSpecific)
	if h1 != h2 {
		t.Error("hash depends on ID order")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	if CertificateHash("req-2", []string{"b", "a", "c"}, 1700000000000, store.ScopeSpecific) == h1 {
		t.Error("different request produced the same hash")
	}
	if CertificateHash("req-1", []string{"b", "a"}, 1700000000000, store.ScopeSpecific) == h1 {
		t.Error("different target set produced the same hash")
	}

	// Sorting must not mutate the caller's slice
	ids := []string{"b", "a"}
	CertificateHash("req-1", ids, 0, store.ScopeAll)
	if ids[0] != "b" {
		t.Error("input slice reordered")
	}
}
