package engine

import (
	"math"
	"regexp"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

// Consolidation tiers.
const (
	TierShortTerm = "short_term"
	TierWorking   = "working"
	TierLongTerm  = "long_term"
)

// ScoredMemory is the derived scoring view of a record. It is recomputed
// on every pass and never persisted as-is.
type ScoredMemory struct {
	Record     store.MemoryRecord `json:"record"`
	Category   string             `json:"category"`
	Confidence float64            `json:"confidence"`
	RawScore   float64            `json:"raw_score"`
	FinalScore float64            `json:"final_score"`
	Tier       string             `json:"tier"`
}

// TierChange reports a promote/demote crossing a tier boundary.
type TierChange struct {
	ID   string
	From string
	To   string
}

// categoryRules holds the ordered matching rules for one category.
type categoryRules struct {
	name     string
	weight   float64 // base score contribution when this category wins
	rules    []*regexp.Regexp
	negative []*regexp.Regexp
}

// ScorerConfig tunes importance scoring and decay.
type ScorerConfig struct {
	HalfLifeHours float64
	MinScore      float64 // decay floor
	BoosterCap    float64
	LongTermTier  float64
	WorkingTier   float64
	PromoteDelta  float64
	NoDecay       map[string]bool
	Boosters      map[string]float64
}

// DefaultScorerConfig returns the standard scoring parameters.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		HalfLifeHours: 168, // one week
		MinScore:      0.05,
		BoosterCap:    0.5,
		LongTermTier:  0.7,
		WorkingTier:   0.4,
		PromoteDelta:  0.1,
		NoDecay: map[string]bool{
			"user_fact":       true,
			"user_preference": true,
			"instruction":     true,
		},
		Boosters: map[string]float64{
			"important": 0.2,
			"remember":  0.2,
			"always":    0.15,
			"never":     0.15,
			"must":      0.1,
			"critical":  0.2,
			"password":  0.25,
			"deadline":  0.2,
			"birthday":  0.15,
			"allergic":  0.25,
		},
	}
}

// Scorer classifies text and computes decayable importance scores.
type Scorer struct {
	cfg        ScorerConfig
	categories []categoryRules
	boosters   map[string]*regexp.Regexp // keyword → compiled word-boundary pattern
	datePat    *regexp.Regexp
	numberPat  *regexp.Regexp
}

// NewScorer builds a scorer with the built-in category rule sets.
func NewScorer(cfg ScorerConfig) *Scorer {
	boosters := make(map[string]*regexp.Regexp, len(cfg.Boosters))
	for keyword := range cfg.Boosters {
		boosters[keyword] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
	}
	return &Scorer{
		cfg:        cfg,
		categories: buildCategoryRules(),
		boosters:   boosters,
		datePat:    regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(/\d{2,4})?|january|february|march|april|june|july|august|september|october|november|december|monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|tonight)\b`),
		numberPat:  regexp.MustCompile(`\d`),
	}
}

func buildCategoryRules() []categoryRules {
	return []categoryRules{
		{
			name: "user_fact", weight: 0.8,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bmy name is\b`),
				regexp.MustCompile(`(?i)\bi (live|work|grew up) (in|at)\b`),
				regexp.MustCompile(`(?i)\bi am (a|an|\d+)\b`),
				regexp.MustCompile(`(?i)\bi'?m allergic to\b`),
				regexp.MustCompile(`(?i)\bmy (birthday|wife|husband|partner|dog|cat|son|daughter)\b`),
			},
		},
		{
			name: "user_preference", weight: 0.7,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bi (prefer|like|love|enjoy|hate|dislike|avoid)\b`),
				regexp.MustCompile(`(?i)\bmy favorite\b`),
				regexp.MustCompile(`(?i)\b(don'?t|do not) (like|want|use)\b`),
			},
			negative: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bwould you (like|prefer)\b`),
			},
		},
		{
			name: "instruction", weight: 0.75,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(always|never) \w+`),
				regexp.MustCompile(`(?i)\b(from now on|going forward|in the future)\b`),
				regexp.MustCompile(`(?i)\b(remember to|make sure (to|you)|remind me)\b`),
			},
		},
		{
			name: "decision", weight: 0.65,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bwe (decided|agreed|chose|settled on)\b`),
				regexp.MustCompile(`(?i)\b(the plan is|let'?s go with|final decision)\b`),
			},
		},
		{
			name: "technical", weight: 0.5,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(error|bug|fix|config|server|database|deploy|api|function)\b`),
				regexp.MustCompile("```"),
				regexp.MustCompile(`(?i)\bversion \d`),
			},
			negative: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(weather|lunch|weekend)\b`),
			},
		},
		{
			name: "event", weight: 0.45,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(meeting|appointment|scheduled|happened|went to)\b`),
				regexp.MustCompile(`(?i)\b(yesterday|today|last (week|night|month))\b`),
			},
		},
		{
			name: "casual", weight: 0.2,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(hello|hi there|thanks|thank you|how are you|good (morning|night))\b`),
				regexp.MustCompile(`(?i)\b(lol|haha|nice|cool)\b`),
			},
		},
	}
}

// DetectCategory classifies text by rule matching. Each matching rule adds 1,
// each matching negative rule subtracts 0.5; the highest-scoring category
// wins. Confidence reflects the winner's margin over the runner-up.
func (s *Scorer) DetectCategory(text string) (string, float64) {
	best, second := 0.0, 0.0
	winner := "casual"

	for _, cat := range s.categories {
		score := 0.0
		for _, rule := range cat.rules {
			if rule.MatchString(text) {
				score += 1
			}
		}
		for _, rule := range cat.negative {
			if rule.MatchString(text) {
				score -= 0.5
			}
		}
		if score > best {
			second = best
			best = score
			winner = cat.name
		} else if score > second {
			second = score
		}
	}

	if best <= 0 {
		return "casual", 0.3
	}
	confidence := clamp01(0.5 + 0.25*(best-second))
	return winner, confidence
}

// FindBoosters sums keyword boost weights found in the text, capped.
func (s *Scorer) FindBoosters(text string) float64 {
	sum := 0.0
	for keyword, pat := range s.boosters {
		if pat.MatchString(text) {
			sum += s.cfg.Boosters[keyword]
		}
	}
	if sum > s.cfg.BoosterCap {
		sum = s.cfg.BoosterCap
	}
	return sum
}

// categoryWeight returns the base contribution of a category.
func (s *Scorer) categoryWeight(category string) float64 {
	for _, cat := range s.categories {
		if cat.name == category {
			return cat.weight
		}
	}
	return 0.2
}

// BaseScore computes the undecayed importance of a piece of text.
func (s *Scorer) BaseScore(text string) (score float64, category string, confidence float64) {
	category, confidence = s.DetectCategory(text)

	score = s.categoryWeight(category)
	score += s.FindBoosters(text)

	// Longer content carries more to lose, up to a small cap
	lengthBonus := float64(len(text)) / 2000
	if lengthBonus > 0.1 {
		lengthBonus = 0.1
	}
	score += lengthBonus

	if s.datePat.MatchString(text) || s.numberPat.MatchString(text) {
		score += 0.1
	}

	return clamp01(score), category, confidence
}

// ApplyTimeDecay decays a score by exponential half-life unless the category
// is decay-exempt. The result never drops below the configured floor.
func (s *Scorer) ApplyTimeDecay(score, ageHours float64, category string) float64 {
	if s.cfg.NoDecay[category] {
		return score
	}
	if ageHours <= 0 {
		return score
	}

	decayed := score * math.Pow(0.5, ageHours/s.cfg.HalfLifeHours)
	if decayed < s.cfg.MinScore {
		decayed = s.cfg.MinScore
	}
	return decayed
}

// TierFor maps a final score to its consolidation tier.
func (s *Scorer) TierFor(finalScore float64) string {
	switch {
	case finalScore >= s.cfg.LongTermTier:
		return TierLongTerm
	case finalScore >= s.cfg.WorkingTier:
		return TierWorking
	default:
		return TierShortTerm
	}
}

// Score computes the full derived view of a record at time now.
func (s *Scorer) Score(rec store.MemoryRecord, now time.Time) ScoredMemory {
	raw, category, confidence := s.BaseScore(rec.Content)

	// Stored importance reflects accumulated promotions and merges; score
	// from whichever is higher so reinforcement is not lost on re-scoring.
	if rec.Importance > raw {
		raw = rec.Importance
	}

	final := s.ApplyTimeDecay(raw, rec.AgeHours(now), category)
	return ScoredMemory{
		Record:     rec,
		Category:   category,
		Confidence: confidence,
		RawScore:   raw,
		FinalScore: final,
		Tier:       s.TierFor(final),
	}
}

// Promote raises a scored memory's raw score by the configured delta and
// recomputes the final score and tier. Returns a TierChange if the tier
// moved, else nil.
func (s *Scorer) Promote(m *ScoredMemory, now time.Time) *TierChange {
	return s.adjust(m, s.cfg.PromoteDelta, now)
}

// Demote lowers a scored memory's raw score by the configured delta.
func (s *Scorer) Demote(m *ScoredMemory, now time.Time) *TierChange {
	return s.adjust(m, -s.cfg.PromoteDelta, now)
}

func (s *Scorer) adjust(m *ScoredMemory, delta float64, now time.Time) *TierChange {
	before := m.Tier
	m.RawScore = clamp01(m.RawScore + delta)
	m.FinalScore = s.ApplyTimeDecay(m.RawScore, m.Record.AgeHours(now), m.Category)
	m.Tier = s.TierFor(m.FinalScore)

	if m.Tier == before {
		return nil
	}
	return &TierChange{ID: m.Record.ID, From: before, To: m.Tier}
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
