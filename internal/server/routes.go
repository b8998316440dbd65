package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hollis/mnemo/internal/engine"
	"github.com/hollis/mnemo/internal/store"
)

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string   `json:"content"`
		SourceType string   `json:"source_type"`
		Importance *float64 `json:"importance,omitempty"`
		Tags       []string `json:"tags,omitempty"`
		Topics     []string `json:"topics,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		http.Error(w, `{"error":"content required"}`, http.StatusBadRequest)
		return
	}
	if req.SourceType == "" {
		req.SourceType = "manual"
	}
	if !store.ValidSourceTypes[req.SourceType] {
		http.Error(w, `{"error":"unknown source_type"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	rec, err := s.engine.Remember(ctx, req.Content, req.SourceType, engine.RememberOptions{
		Importance: req.Importance,
		Tags:       req.Tags,
		Topics:     req.Topics,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"id":         rec.ID,
		"importance": rec.Importance,
		"embedded":   rec.Vector != nil,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "true"

	result, err := s.engine.Forget(engine.ForgetOptions{IDs: []string{id}, Force: force})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case len(result.Deleted) > 0:
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "id": id})
	case len(result.Protected) > 0:
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"status": "protected", "id": id})
	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"status": "not_found", "id": id})
	}
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `{"error":"q parameter required"}`, http.StatusBadRequest)
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	minScore := 0.0
	if m := r.URL.Query().Get("min_score"); m != "" {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			minScore = f
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	results, err := s.engine.Recall(ctx, query, engine.RecallOptions{
		Limit:      limit,
		MinScore:   minScore,
		SourceType: r.URL.Query().Get("source_type"),
		Tag:        r.URL.Query().Get("tag"),
		Topic:      r.URL.Query().Get("topic"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	type resultJSON struct {
		ID         string  `json:"id"`
		Content    string  `json:"content"`
		SourceType string  `json:"source_type"`
		Importance float64 `json:"importance"`
		Similarity float64 `json:"similarity"`
		IsSummary  bool    `json:"is_summary,omitempty"`
	}

	out := make([]resultJSON, len(results))
	for i, res := range results {
		out[i] = resultJSON{
			ID:         res.Record.ID,
			Content:    res.Record.Content,
			SourceType: res.Record.SourceType,
			Importance: res.Record.Importance,
			Similarity: res.Similarity,
			IsSummary:  res.Record.IsSummary,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"query":   query,
		"count":   len(out),
		"results": out,
	})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var opts engine.ForgetOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if len(opts.IDs) == 0 && opts.ContentPattern == "" && len(opts.Tags) == 0 &&
		opts.After.IsZero() && opts.Before.IsZero() {
		http.Error(w, `{"error":"at least one selector required"}`, http.StatusBadRequest)
		return
	}

	result, err := s.engine.Forget(opts)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleSubmitDeletionRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope  string               `json:"scope"`
		Target store.DeletionTarget `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Scope == "" {
		http.Error(w, `{"error":"scope required"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	dr, err := s.engine.SubmitDeletionRequest(ctx, req.Scope, req.Target)
	if err != nil && dr == nil {
		writeError(w, err)
		return
	}

	// A failed request still returns its row — the caller needs the ID and
	// failure status for the compliance record.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dr)
}

func (s *Server) handleListDeletionRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	reqs, err := s.db.ListDeletionRequests(limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":    len(reqs),
		"requests": reqs,
	})
}

func (s *Server) handleGetDeletionRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.db.GetDeletionRequest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	result := s.engine.RunConsolidation(engine.ReasonManual)

	w.Header().Set("Content-Type", "application/json")
	if result == nil {
		json.NewEncoder(w).Encode(map[string]string{"status": "no runs yet"})
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	defs, err := s.db.ListIndexDefs()
	if err != nil {
		writeError(w, err)
		return
	}
	suggestions, err := s.db.SuggestIndexes()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"indexes":     defs,
		"suggestions": suggestions,
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrDimensionMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), status)
}
