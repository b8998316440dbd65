package engine

import (
	"math"
	"testing"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

func TestDetectCategory(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	tests := []struct {
		text string
		want string
	}{
		{"My name is Dana and I live in Portland", "user_fact"},
		{"I'm allergic to shellfish", "user_fact"},
		{"I prefer tabs over spaces", "user_preference"},
		{"My favorite editor is vim", "user_preference"},
		{"From now on, respond in French", "instruction"},
		{"Remember to water the plants", "instruction"},
		{"We decided to go with Postgres", "decision"},
		{"The deploy failed with a config error", "technical"},
		{"The meeting yesterday ran long", "event"},
		{"hello, how are you", "casual"},
		{"xyzzy", "casual"}, // nothing matches
	}
	for _, tt := range tests {
		got, confidence := s.DetectCategory(tt.text)
		if got != tt.want {
			t.Errorf("DetectCategory(%q) = %q, want %q", tt.text, got, tt.want)
		}
		if confidence < 0 || confidence > 1 {
			t.Errorf("confidence for %q = %f, out of range", tt.text, confidence)
		}
	}
}

func TestDetectCategoryNegativeRules(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	// "would you like" is a question, not a preference
	got, _ := s.DetectCategory("would you like me to continue?")
	if got == "user_preference" {
		t.Error("question misclassified as user_preference")
	}
}

func TestFindBoosters(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	if got := s.FindBoosters("nothing special here"); got != 0 {
		t.Errorf("no keywords: got %f, want 0", got)
	}
	if got := s.FindBoosters("this is important"); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("single keyword: got %f, want 0.2", got)
	}

	// Many keywords hit the cap
	loaded := "important critical deadline password allergic remember always never must"
	if got := s.FindBoosters(loaded); got != s.cfg.BoosterCap {
		t.Errorf("stacked keywords: got %f, want cap %f", got, s.cfg.BoosterCap)
	}

	// Substrings don't count
	if got := s.FindBoosters("importantly unimportant"); got != 0 {
		t.Errorf("substring match: got %f, want 0", got)
	}
}

func TestBaseScore(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	factScore, cat, _ := s.BaseScore("My name is Dana")
	if cat != "user_fact" {
		t.Fatalf("category = %q, want user_fact", cat)
	}
	casualScore, _, _ := s.BaseScore("haha nice")
	if factScore <= casualScore {
		t.Errorf("fact %.3f should outrank casual %.3f", factScore, casualScore)
	}

	boosted, _, _ := s.BaseScore("remember this important deadline")
	plain, _, _ := s.BaseScore("remember this")
	if boosted <= plain {
		t.Errorf("boosters should raise the score: %.3f <= %.3f", boosted, plain)
	}

	score, _, _ := s.BaseScore("My name is Dana. I'm allergic to shellfish. Critical password deadline.")
	if score < 0 || score > 1 {
		t.Errorf("score = %f, out of [0,1]", score)
	}
}

func TestApplyTimeDecayHalfLife(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	// One half-life halves the score
	got := s.ApplyTimeDecay(0.8, s.cfg.HalfLifeHours, "technical")
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("one half-life: got %f, want 0.4", got)
	}

	// Fresh content doesn't decay
	if got := s.ApplyTimeDecay(0.8, 0, "technical"); got != 0.8 {
		t.Errorf("zero age: got %f, want 0.8", got)
	}

	// Floor
	if got := s.ApplyTimeDecay(0.8, 100000, "technical"); got != s.cfg.MinScore {
		t.Errorf("ancient: got %f, want floor %f", got, s.cfg.MinScore)
	}
}

func TestApplyTimeDecayExemptCategories(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	for _, cat := range []string{"user_fact", "user_preference", "instruction"} {
		if got := s.ApplyTimeDecay(0.8, 100000, cat); got != 0.8 {
			t.Errorf("%s decayed to %f, want 0.8", cat, got)
		}
	}
}

func TestDecayMonotonic(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	prev := 1.0
	for age := 0.0; age <= 2000; age += 50 {
		got := s.ApplyTimeDecay(0.9, age, "technical")
		if got > prev+1e-12 {
			t.Fatalf("decay increased at age %f: %f > %f", age, got, prev)
		}
		prev = got
	}
}

func TestTierFor(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())

	if got := s.TierFor(0.9); got != TierLongTerm {
		t.Errorf("0.9 -> %q, want long_term", got)
	}
	if got := s.TierFor(0.7); got != TierLongTerm {
		t.Errorf("0.7 boundary -> %q, want long_term", got)
	}
	if got := s.TierFor(0.5); got != TierWorking {
		t.Errorf("0.5 -> %q, want working", got)
	}
	if got := s.TierFor(0.1); got != TierShortTerm {
		t.Errorf("0.1 -> %q, want short_term", got)
	}
}

func TestScoreUsesStoredImportance(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "haha nice", // casual, base ~0.2
		Importance: 0.85,        // promoted over time
		CreatedAt:  now.UnixMilli(),
		AccessedAt: now.UnixMilli(),
	}
	scored := s.Score(rec, now)
	if scored.RawScore != 0.85 {
		t.Errorf("raw = %f, want stored 0.85", scored.RawScore)
	}
	if scored.Category != "casual" {
		t.Errorf("category = %q, want casual", scored.Category)
	}
}

func TestPromoteDemoteTierChange(t *testing.T) {
	s := NewScorer(DefaultScorerConfig())
	now := time.Now()

	rec := store.MemoryRecord{
		ID:         "m1",
		Content:    "The deploy uses the new server config",
		CreatedAt:  now.UnixMilli(),
		AccessedAt: now.UnixMilli(),
	}
	m := s.Score(rec, now)
	if m.Tier != TierWorking {
		t.Fatalf("expected working start, got %q (final %.3f)", m.Tier, m.FinalScore)
	}

	// Promote until long_term; each step raises the raw score by the delta
	var change *TierChange
	for i := 0; i < 10 && m.Tier != TierLongTerm; i++ {
		change = s.Promote(&m, now)
	}
	if m.Tier != TierLongTerm {
		t.Fatalf("never reached long_term: %+v", m)
	}
	if change == nil {
		t.Fatal("expected a TierChange on the promoting step")
	}
	if change.To != TierLongTerm || change.From != TierWorking {
		t.Errorf("change = %+v, want working -> long_term", change)
	}

	if c := s.Demote(&m, now); c == nil || c.From != TierLongTerm {
		t.Errorf("demote from the boundary should report a change, got %+v", c)
	}
}
