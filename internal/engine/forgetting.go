package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hollis/mnemo/internal/store"
)

// Per-record retention actions.
const (
	ActionProtected            = "protected"
	ActionDecayed              = "decayed"
	ActionFlaggedDeletion      = "flagged_for_deletion"
	ActionFlaggedConsolidation = "flagged_for_consolidation"
)

// ForgettingConfig tunes the retention pass.
type ForgettingConfig struct {
	DeletionThreshold      float64
	ConsolidationThreshold float64
	BatchSize              int
	AuditEnabled           bool
}

// DefaultForgettingConfig returns the standard forgetting parameters.
func DefaultForgettingConfig() ForgettingConfig {
	return ForgettingConfig{
		DeletionThreshold:      0.15,
		ConsolidationThreshold: 0.35,
		BatchSize:              200,
		AuditEnabled:           true,
	}
}

// ForgettingEngine applies retention policies, serves manual forget
// requests, and executes compliant deletion with an audit trail.
type ForgettingEngine struct {
	db        *store.DB
	scorer    *Scorer
	policies  []RetentionPolicy
	reinforce ReinforcementConfig
	cfg       ForgettingConfig
	audit     *store.AuditLog

	passRunning atomic.Bool
}

// NewForgettingEngine builds a forgetting engine. audit may be nil when
// auditing is disabled.
func NewForgettingEngine(db *store.DB, scorer *Scorer, policies []RetentionPolicy, cfg ForgettingConfig, audit *store.AuditLog) *ForgettingEngine {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &ForgettingEngine{
		db:        db,
		scorer:    scorer,
		policies:  policies,
		reinforce: DefaultReinforcement(),
		cfg:       cfg,
		audit:     audit,
	}
}

// RecordDecision is the retention outcome for one record.
type RecordDecision struct {
	ID           string  `json:"id"`
	Policy       string  `json:"policy"`
	Action       string  `json:"action"`
	DecayedScore float64 `json:"decayed_score"`
	Boost        float64 `json:"boost"`
}

// PassResult reports one forgetting pass.
type PassResult struct {
	Processed        int      `json:"processed"`
	Protected        int      `json:"protected"`
	Decayed          int      `json:"decayed"`
	Deleted          int      `json:"deleted"`
	ForConsolidation []string `json:"for_consolidation,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Evaluate computes the retention decision for one record without applying
// it. Exactly one action results.
func (f *ForgettingEngine) Evaluate(rec store.MemoryRecord, now time.Time) RecordDecision {
	category, _ := f.scorer.DetectCategory(rec.Content)
	policy := ResolvePolicy(f.policies, category, rec.SourceType, rec.Tags)

	decision := RecordDecision{ID: rec.ID, Policy: policy.Name}

	if policy.Permanent {
		decision.Action = ActionProtected
		decision.DecayedScore = rec.Importance
		return decision
	}

	ageHours := rec.AgeHours(now)
	decayed := policy.Decay(rec.Importance, ageHours, f.cfg.DeletionThreshold)
	boost := f.reinforce.AccessBoost(rec.AccessCount, rec.HoursSinceAccess(now))

	effective := decayed + boost
	if effective > 1 {
		effective = 1
	}
	decision.DecayedScore = decayed
	decision.Boost = boost

	switch {
	case effective >= policy.ProtectionThreshold:
		decision.Action = ActionProtected
	case effective <= f.cfg.DeletionThreshold && ageHours > policy.MaxRetentionHours:
		decision.Action = ActionFlaggedDeletion
	case effective <= f.cfg.ConsolidationThreshold && policy.AllowConsolidation:
		decision.Action = ActionFlaggedConsolidation
	default:
		decision.Action = ActionDecayed
	}
	return decision
}

// RunPass evaluates every record in bounded batches and applies decisions:
// flagged deletions happen immediately, decayed scores are written back,
// consolidation candidates are collected for the scheduler. Per-record
// failures are collected and do not abort the pass. A pass already running
// makes this return ErrAlreadyRunning.
func (f *ForgettingEngine) RunPass(ctx context.Context) (*PassResult, error) {
	if !f.passRunning.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer f.passRunning.Store(false)

	now := time.Now()
	result := &PassResult{}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := f.db.ListBatch(f.cfg.BatchSize, afterID)
		if err != nil {
			return result, fmt.Errorf("forgetting: list batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		for i := range batch {
			rec := &batch[i]
			result.Processed++
			decision := f.Evaluate(*rec, now)

			switch decision.Action {
			case ActionProtected:
				result.Protected++
			case ActionFlaggedDeletion:
				if _, err := f.db.DeleteRecord(rec.ID); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
					continue
				}
				result.Deleted++
			case ActionFlaggedConsolidation:
				result.ForConsolidation = append(result.ForConsolidation, rec.ID)
				fallthrough
			case ActionDecayed:
				if decision.DecayedScore != rec.Importance {
					if err := f.db.UpdateImportance(rec.ID, decision.DecayedScore); err != nil {
						result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
						continue
					}
				}
				result.Decayed++
			}
		}
	}

	if result.Deleted > 0 || len(result.Errors) > 0 {
		log.Printf("forgetting: processed=%d deleted=%d errors=%d",
			result.Processed, result.Deleted, len(result.Errors))
	}
	return result, nil
}

// ForgetOptions selects records for a manual forget request. The target set
// is the union of all selectors.
type ForgetOptions struct {
	IDs            []string  `json:"ids,omitempty"`
	ContentPattern string    `json:"content_pattern,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	After          time.Time `json:"after,omitempty"`
	Before         time.Time `json:"before,omitempty"`
	Force          bool      `json:"force,omitempty"`
}

// ForgetResult distinguishes the outcome per target ID.
type ForgetResult struct {
	Deleted   []string `json:"deleted"`
	Protected []string `json:"protected"`
	NotFound  []string `json:"not_found"`
}

// Forget deletes the union of the selected records. Records whose policy
// marks them protected are skipped unless Force is set. Unknown IDs report
// as not-found, never as errors.
func (f *ForgettingEngine) Forget(opts ForgetOptions) (*ForgetResult, error) {
	targets := make(map[string]bool)
	for _, id := range opts.IDs {
		targets[id] = true
	}

	if opts.ContentPattern != "" {
		ids, err := f.db.FindByContentPattern(opts.ContentPattern)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			targets[id] = true
		}
	}
	for _, tag := range opts.Tags {
		ids, err := f.db.FindByTag(tag)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			targets[id] = true
		}
	}
	if !opts.After.IsZero() || !opts.Before.IsZero() {
		var from, to int64
		if !opts.After.IsZero() {
			from = opts.After.UnixMilli()
		}
		if !opts.Before.IsZero() {
			to = opts.Before.UnixMilli()
		}
		ids, err := f.db.FindByDateRange(from, to)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			targets[id] = true
		}
	}

	now := time.Now()
	result := &ForgetResult{}

	// Deterministic processing order
	ordered := make([]string, 0, len(targets))
	for id := range targets {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		rec, err := f.db.GetRecord(id)
		if err != nil {
			return result, err
		}
		if rec == nil {
			result.NotFound = append(result.NotFound, id)
			continue
		}

		if !opts.Force {
			decision := f.Evaluate(*rec, now)
			if decision.Action == ActionProtected {
				result.Protected = append(result.Protected, id)
				continue
			}
		}

		found, err := f.db.DeleteRecord(id)
		if err != nil {
			return result, err
		}
		if !found {
			// Raced with another deletion; still a successful no-op
			result.NotFound = append(result.NotFound, id)
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}

	return result, nil
}

// SubmitDeletionRequest creates and synchronously processes a compliant
// deletion request. The request row transitions pending → processing →
// completed|failed, each transition lands in the audit log, and completion
// carries a deterministic certificate hash.
func (f *ForgettingEngine) SubmitDeletionRequest(ctx context.Context, scope string, target store.DeletionTarget) (*store.DeletionRequest, error) {
	req, err := f.db.CreateDeletionRequest(scope, target)
	if err != nil {
		return nil, err
	}
	f.auditRequest(req, "submitted")

	if err := f.db.TransitionDeletionRequest(req.ID, store.RequestProcessing, 0, "", ""); err != nil {
		return nil, err
	}
	req.Status = store.RequestProcessing
	f.auditRequest(req, "processing")

	ids, err := f.resolveDeletionTargets(req.Scope, req.Target)
	if err != nil {
		f.db.TransitionDeletionRequest(req.ID, store.RequestFailed, 0, "", err.Error())
		req.Status = store.RequestFailed
		req.Error = err.Error()
		f.auditRequest(req, "failed")
		return req, nil
	}

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		found, err := f.db.DeleteRecord(id)
		if err != nil {
			log.Printf("deletion request %s: delete %s: %v", req.ID, id, err)
			continue
		}
		if found {
			deleted = append(deleted, id)
		}
	}

	completedAt := time.Now().UnixMilli()
	cert := CertificateHash(req.ID, deleted, completedAt, req.Scope)

	if err := f.db.TransitionDeletionRequest(req.ID, store.RequestCompleted, len(deleted), cert, ""); err != nil {
		return nil, err
	}
	req.Status = store.RequestCompleted
	req.DeletedCount = len(deleted)
	req.CertificateHash = cert
	req.CompletedAt = completedAt
	f.auditRequest(req, "completed")

	return req, nil
}

func (f *ForgettingEngine) resolveDeletionTargets(scope string, target store.DeletionTarget) ([]string, error) {
	switch scope {
	case store.ScopeSpecific:
		return target.IDs, nil
	case store.ScopeAll:
		return f.db.AllIDs()
	case store.ScopeDateRange:
		return f.db.FindByDateRange(target.FromMillis, target.ToMillis)
	case store.ScopeCategory:
		if !store.ValidSourceTypes[target.Category] {
			return nil, fmt.Errorf("unknown category %q", target.Category)
		}
		var ids []string
		afterID := ""
		for {
			batch, err := f.db.ListBySourceType(target.Category, f.cfg.BatchSize, afterID)
			if err != nil {
				return nil, err
			}
			if len(batch) == 0 {
				return ids, nil
			}
			for _, rec := range batch {
				ids = append(ids, rec.ID)
			}
			afterID = batch[len(batch)-1].ID
		}
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
}

func (f *ForgettingEngine) auditRequest(req *store.DeletionRequest, action string) {
	if !f.cfg.AuditEnabled || f.audit == nil {
		return
	}
	err := f.audit.Append(store.AuditEvent{
		Action:          action,
		RequestID:       req.ID,
		Type:            req.Scope,
		Status:          req.Status,
		DeletedCount:    req.DeletedCount,
		CertificateHash: req.CertificateHash,
	})
	if err != nil {
		log.Printf("audit: append %s for %s: %v", action, req.ID, err)
	}
}

// CertificateHash computes the deterministic deletion certificate:
// sha256 over the request ID, the sorted deleted IDs, the completion
// timestamp, and the scope. Identical inputs always reproduce it.
func CertificateHash(requestID string, deletedIDs []string, timestampMillis int64, scope string) string {
	sorted := append([]string(nil), deletedIDs...)
	sort.Strings(sorted)

	payload, _ := json.Marshal(struct {
		RequestID string   `json:"request_id"`
		Deleted   []string `json:"deleted"`
		Timestamp int64    `json:"timestamp"`
		Type      string   `json:"type"`
	}{requestID, sorted, timestampMillis, scope})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
