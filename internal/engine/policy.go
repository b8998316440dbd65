package engine

import (
	"math"
)

// Decay curves.
const (
	CurveExponential = "exponential"
	CurveLinear      = "linear"
	CurveStepped     = "stepped"
	CurveLogarithmic = "logarithmic"
)

// RetentionPolicy binds a match rule to decay and deletion behavior.
// BaseRetentionHours ≤ MaxRetentionHours unless the policy is permanent.
type RetentionPolicy struct {
	Name                string   `json:"name"`
	Level               string   `json:"level"`
	Categories          []string `json:"categories,omitempty"`
	TagTriggers         []string `json:"tag_triggers,omitempty"`
	RecordTypes         []string `json:"record_types,omitempty"` // source types
	Permanent           bool     `json:"permanent"`
	BaseRetentionHours  float64  `json:"base_retention_hours"`
	MaxRetentionHours   float64  `json:"max_retention_hours"`
	DecayCurve          string   `json:"decay_curve"`
	HalfLifeHours       float64  `json:"half_life_hours"`
	ProtectionThreshold float64  `json:"protection_threshold"`
	AllowConsolidation  bool     `json:"allow_consolidation"`
}

// DefaultPolicies returns the built-in retention policy set, most specific
// first. The last entry is the fallback and matches everything.
func DefaultPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			Name:                "identity",
			Level:               "permanent",
			Categories:          []string{"user_fact", "user_preference", "instruction"},
			Permanent:           true,
			ProtectionThreshold: 0.3,
		},
		{
			Name:                "pinned",
			Level:               "critical",
			TagTriggers:         []string{"pinned", "important"},
			Permanent:           true,
			ProtectionThreshold: 0.3,
		},
		{
			Name:                "decisions",
			Level:               "high",
			Categories:          []string{"decision"},
			BaseRetentionHours:  24 * 30,
			MaxRetentionHours:   24 * 365,
			DecayCurve:          CurveLogarithmic,
			HalfLifeHours:       24 * 60,
			ProtectionThreshold: 0.75,
			AllowConsolidation:  true,
		},
		{
			Name:                "technical",
			Level:               "standard",
			Categories:          []string{"technical"},
			RecordTypes:         []string{"document", "note"},
			BaseRetentionHours:  24 * 7,
			MaxRetentionHours:   24 * 180,
			DecayCurve:          CurveExponential,
			HalfLifeHours:       24 * 14,
			ProtectionThreshold: 0.7,
			AllowConsolidation:  true,
		},
		{
			Name:                "events",
			Level:               "standard",
			Categories:          []string{"event"},
			BaseRetentionHours:  24,
			MaxRetentionHours:   24 * 90,
			DecayCurve:          CurveStepped,
			HalfLifeHours:       24 * 7,
			ProtectionThreshold: 0.7,
			AllowConsolidation:  true,
		},
		{
			Name:                "casual",
			Level:               "minimal",
			Categories:          []string{"casual"},
			BaseRetentionHours:  1,
			MaxRetentionHours:   168,
			DecayCurve:          CurveExponential,
			HalfLifeHours:       24,
			ProtectionThreshold: 0.8,
			AllowConsolidation:  true,
		},
		{
			Name:                "default",
			Level:               "standard",
			BaseRetentionHours:  24,
			MaxRetentionHours:   24 * 120,
			DecayCurve:          CurveExponential,
			HalfLifeHours:       24 * 7,
			ProtectionThreshold: 0.7,
			AllowConsolidation:  true,
		},
	}
}

// ResolvePolicy finds the policy for a record: category match first, then
// tag trigger, then record (source) type, then the fallback.
func ResolvePolicy(policies []RetentionPolicy, category, sourceType string, tags []string) RetentionPolicy {
	for _, p := range policies {
		for _, c := range p.Categories {
			if c == category {
				return p
			}
		}
	}
	for _, p := range policies {
		for _, trigger := range p.TagTriggers {
			for _, tag := range tags {
				if tag == trigger {
					return p
				}
			}
		}
	}
	for _, p := range policies {
		for _, rt := range p.RecordTypes {
			if rt == sourceType {
				return p
			}
		}
	}
	return policies[len(policies)-1]
}

// Decay applies the policy's curve to a score at the given age.
// Age inside the base retention window doesn't decay at all. The result is
// floored at half the deletion threshold so a record is flagged before its
// score hits zero.
func (p RetentionPolicy) Decay(score, ageHours, deletionThreshold float64) float64 {
	if p.Permanent {
		return score
	}
	if ageHours < p.BaseRetentionHours {
		return score
	}

	effectiveAge := ageHours - p.BaseRetentionHours
	window := p.MaxRetentionHours - p.BaseRetentionHours

	var decayed float64
	switch p.DecayCurve {
	case CurveLinear:
		progress := 1.0
		if window > 0 {
			progress = math.Min(1, effectiveAge/window)
		}
		decayed = score * (1 - progress)
	case CurveStepped:
		progress := 1.0
		if window > 0 {
			progress = effectiveAge / window
		}
		decayed = score * steppedMultiplier(progress)
	case CurveLogarithmic:
		decayed = score / (1 + math.Log2(1+effectiveAge/p.HalfLifeHours))
	default: // exponential
		decayed = score * math.Pow(0.5, effectiveAge/p.HalfLifeHours)
	}

	floor := deletionThreshold * 0.5
	if decayed < floor {
		decayed = floor
	}
	return decayed
}

// steppedMultiplier maps progress through the retention window to a
// discrete decay multiplier.
func steppedMultiplier(progress float64) float64 {
	switch {
	case progress < 0.25:
		return 1.0
	case progress < 0.5:
		return 0.75
	case progress < 0.75:
		return 0.5
	case progress < 1.0:
		return 0.25
	default:
		return 0.1
	}
}

// ReinforcementConfig tunes the access-frequency boost.
type ReinforcementConfig struct {
	BoostFactor float64
	MaxBoost    float64
}

// DefaultReinforcement returns the standard reinforcement parameters.
func DefaultReinforcement() ReinforcementConfig {
	return ReinforcementConfig{BoostFactor: 0.05, MaxBoost: 0.3}
}

// AccessBoost computes the reinforcement added to a decayed score.
// Frequently accessed records earn a logarithmic boost, discounted the
// longer they go untouched.
func (c ReinforcementConfig) AccessBoost(accessCount int, hoursSinceAccess float64) float64 {
	if accessCount <= 0 {
		return 0
	}
	boost := math.Log2(1+float64(accessCount)) * c.BoostFactor
	if boost > c.MaxBoost {
		boost = c.MaxBoost
	}

	recency := 1.0
	if hoursSinceAccess >= 24 {
		recency = 1 / math.Log2(1+hoursSinceAccess/24)
	}
	return boost * recency
}
