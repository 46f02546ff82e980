package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/helixdyn/helix/internal/dna"
	"github.com/helixdyn/helix/internal/healer"
	"github.com/helixdyn/helix/internal/rollback"
	"github.com/helixdyn/helix/internal/security"
)

// handleMutate accepts a mutation draft, proposes it, and runs the
// autonomy decision. Drafts from external callers are always re-validated.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var draft dna.Draft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid draft: "+err.Error())
		return
	}
	if draft.Source == "" {
		draft.Source = "api"
		if claims, ok := security.ClaimsFrom(r.Context()); ok {
			draft.Source = "api:" + claims.Subject
		}
	}

	m, err := s.engine.Propose(draft)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]any{
		"id":     m.ID,
		"status": m.Status,
	}
	if m.Status == dna.StatusRejected {
		resp["reason"] = m.Reason
		writeJSON(w, http.StatusOK, resp)
		return
	}

	d, err := s.controller.Decide(m.ID)
	if err != nil && d == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m, ok := s.engine.Get(m.ID); ok {
		resp["status"] = m.Status
	}
	resp["risk_score"] = d.RiskScore
	resp["rationale"] = d.Rationale
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMutations lists all known mutations.
func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.List())
}

// handleMutationDetail serves /api/mutations/{id} and
// /api/mutations/{id}/approve.
func (s *Server) handleMutationDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/mutations/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "mutation id required")
		return
	}
	id := parts[0]

	if len(parts) >= 2 && parts[1] == "approve" {
		s.approveMutation(w, r, id)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, ok := s.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "mutation not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// approveMutation applies an escalated mutation on behalf of the
// authenticated operator.
func (s *Server) approveMutation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	operator := "operator"
	if claims, ok := security.ClaimsFrom(r.Context()); ok {
		operator = claims.Subject
	}

	res, err := s.controller.Approve(id, operator)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFitness returns the current score, the recent series, and any
// active degradation signal.
func (s *Server) handleFitness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := map[string]any{
		"series":      s.monitor.Series(),
		"degradation": s.monitor.DetectDegradation(),
	}
	if latest, ok := s.monitor.Latest(); ok {
		resp["current"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync enqueues the current DNA on every provider, drains due items,
// and returns the queue snapshot.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.queue.EnqueueDNA(s.store.Generation()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.queue.ProcessQueue(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status, err := s.queue.Status()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRollback restores a snapshot by id.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id required")
		return
	}

	res, err := s.rollback.Rollback(req.SnapshotID)
	if err != nil {
		if errors.Is(err, rollback.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		var failure *rollback.Failure
		if errors.As(err, &failure) {
			// Unverifiable rollback: escalated, never retried here.
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": failure.Error(),
				"fatal": true,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleHeal triggers a recovery run for a classified error kind.
func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ErrorKind string         `json:"error_kind"`
		Context   map[string]any `json:"context"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	kind, err := healer.ParseErrorKind(req.ErrorKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.heal.Heal(r.Context(), kind, req.Context)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSnapshots lists snapshot metadata.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.rollback.List())
}

// handleAudit returns recent audit entries; ?limit=N bounds the count.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		var n int
		for _, c := range v {
			if c < '0' || c > '9' {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			n = n*10 + int(c-'0')
		}
		limit = n
	}

	entries, err := s.auditLog.Entries(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAutonomy reads or changes the autonomy level.
func (s *Server) handleAutonomy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"autonomy_level": s.store.AutonomyLevel()})

	case http.MethodPost:
		var req struct {
			Level string `json:"autonomy_level"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		level := dna.AutonomyLevel(req.Level)
		switch level {
		case dna.AutonomyManual, dna.AutonomySupervised, dna.AutonomyAutonomous:
		default:
			writeError(w, http.StatusBadRequest, "invalid autonomy level: "+req.Level)
			return
		}
		if err := s.store.SetAutonomyLevel(level); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"autonomy_level": level})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
