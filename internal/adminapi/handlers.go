package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tkingovr/aegis/api"
	"github.com/tkingovr/aegis/internal/approval"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.ListPending(r.Context())
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get approval stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"stats":   stats,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approve bool) {
	id := r.PathValue("id")
	resolver := r.URL.Query().Get("resolver")
	if resolver == "" {
		resolver = "admin"
	}

	var err error
	if approve {
		err = s.queue.Approve(r.Context(), id, resolver)
	} else {
		err = s.queue.Deny(r.Context(), id, resolver)
	}
	switch {
	case errors.Is(err, approval.ErrNotFound):
		http.Error(w, "unknown approval id", http.StatusNotFound)
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		http.Error(w, "request already resolved", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	req, err := s.queue.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	event := api.EventType(r.URL.Query().Get("event"))
	writeJSON(w, http.StatusOK, s.ledger.Query(event, limit))
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Stats())
}

func (s *Server) handleDNSStats(w http.ResponseWriter, r *http.Request) {
	if s.dns == nil {
		http.Error(w, "dns filter not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.dns.Stats())
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":    s.store.List(),
		"rate_limit": s.store.RateLimit(),
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		s.logger.Error("policy reload failed", "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.Info("policy reloaded", "path", s.store.Path())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "reloaded",
		"entries": len(s.store.List()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
