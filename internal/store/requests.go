package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Deletion request statuses. Transitions are monotonic:
// pending → processing → completed|failed. A finished request is immutable.
const (
	RequestPending    = "pending"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// Deletion request scopes.
const (
	ScopeSpecific  = "specific"
	ScopeAll       = "all"
	ScopeDateRange = "date_range"
	ScopeCategory  = "category"
)

// DeletionTarget narrows a deletion request to its scope's subjects.
type DeletionTarget struct {
	IDs        []string `json:"ids,omitempty"`
	FromMillis int64    `json:"from_millis,omitempty"`
	ToMillis   int64    `json:"to_millis,omitempty"`
	Category   string   `json:"category,omitempty"` // source type
}

// DeletionRequest is one compliant-deletion lifecycle row.
type DeletionRequest struct {
	ID              string         `json:"id"`
	RequestedAt     int64          `json:"requested_at"`
	Scope           string         `json:"scope"`
	Target          DeletionTarget `json:"target"`
	Status          string         `json:"status"`
	DeletedCount    int            `json:"deleted_count"`
	CertificateHash string         `json:"certificate_hash,omitempty"`
	Error           string         `json:"error,omitempty"`
	CompletedAt     int64          `json:"completed_at,omitempty"`
}

// CreateDeletionRequest persists a new pending request and assigns its ID.
func (db *DB) CreateDeletionRequest(scope string, target DeletionTarget) (*DeletionRequest, error) {
	switch scope {
	case ScopeSpecific, ScopeAll, ScopeDateRange, ScopeCategory:
	default:
		return nil, fmt.Errorf("invalid deletion scope %q", scope)
	}

	targetJSON, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("marshal target: %w", err)
	}

	req := &DeletionRequest{
		ID:          ulid.Make().String(),
		RequestedAt: time.Now().UnixMilli(),
		Scope:       scope,
		Target:      target,
		Status:      RequestPending,
	}

	_, err = db.Exec(`
		INSERT INTO deletion_requests (id, requested_at, scope, target, status)
		VALUES (?, ?, ?, ?, ?)
	`, req.ID, req.RequestedAt, req.Scope, string(targetJSON), req.Status)
	if err != nil {
		return nil, fmt.Errorf("create deletion request: %w", err)
	}
	return req, nil
}

// GetDeletionRequest returns a request by ID, or nil if not found.
func (db *DB) GetDeletionRequest(id string) (*DeletionRequest, error) {
	var req DeletionRequest
	var targetJSON string
	var cert, errMsg sql.NullString
	var completedAt sql.NullInt64

	err := db.QueryRow(`
		SELECT id, requested_at, scope, target, status, deleted_count, certificate_hash, error, completed_at
		FROM deletion_requests WHERE id = ?
	`, id).Scan(&req.ID, &req.RequestedAt, &req.Scope, &targetJSON,
		&req.Status, &req.DeletedCount, &cert, &errMsg, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deletion request: %w", err)
	}

	if err := json.Unmarshal([]byte(targetJSON), &req.Target); err != nil {
		return nil, fmt.Errorf("decode target: %w", err)
	}
	req.CertificateHash = cert.String
	req.Error = errMsg.String
	if completedAt.Valid {
		req.CompletedAt = completedAt.Int64
	}
	return &req, nil
}

// ListDeletionRequests returns requests, newest first.
func (db *DB) ListDeletionRequests(limit int) ([]DeletionRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id FROM deletion_requests ORDER BY requested_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deletion requests: %w", err)
	}
	ids, err := scanIDs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	var requests []DeletionRequest
	for _, id := range ids {
		req, err := db.GetDeletionRequest(id)
		if err != nil {
			return nil, err
		}
		if req != nil {
			requests = append(requests, *req)
		}
	}
	return requests, nil
}

// requestTransitionFrom maps each target status to the only status it may
// be reached from.
var requestTransitionFrom = map[string]string{
	RequestProcessing: RequestPending,
	RequestCompleted:  RequestProcessing,
	RequestFailed:     RequestProcessing,
}

// TransitionDeletionRequest advances a request's status. The edge check is
// folded into the UPDATE's WHERE clause, so two racing transitions cannot
// both take the same edge; the loser sees the post-race status in its
// error. Terminal rows never change (the audit trail is append-only).
func (db *DB) TransitionDeletionRequest(id, status string, deletedCount int, certificateHash, errMsg string) error {
	from, ok := requestTransitionFrom[status]
	if !ok {
		return fmt.Errorf("invalid target status %q for request %s", status, id)
	}

	var completedAt any
	if status == RequestCompleted || status == RequestFailed {
		completedAt = time.Now().UnixMilli()
	}

	res, err := db.Exec(`
		UPDATE deletion_requests
		SET status = ?, deleted_count = ?, certificate_hash = NULLIF(?, ''), error = NULLIF(?, ''), completed_at = ?
		WHERE id = ? AND status = ?
	`, status, deletedCount, certificateHash, errMsg, completedAt, id, from)
	if err != nil {
		return fmt.Errorf("transition deletion request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition deletion request: %w", err)
	}
	if n == 0 {
		req, err := db.GetDeletionRequest(id)
		if err != nil {
			return err
		}
		if req == nil {
			return fmt.Errorf("deletion request %s not found", id)
		}
		return fmt.Errorf("invalid transition %s → %s for request %s", req.Status, status, id)
	}
	return nil
}
