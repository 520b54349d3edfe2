package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/uruchat/chatd/internal/usageledger"
)

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, err := s.requestUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	if s.ledger == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"summary": usageledger.Summary{}})
		return
	}
	summary, err := s.ledger.Summary(r.Context(), user.ID)
	if err != nil {
		s.recordError("usage.summary")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"summary": summary})
	s.recordRequest("usage.summary", reqStart)
}

func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, err := s.requestUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	if s.ledger == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"entries": []usageledger.Entry{}})
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), user.ID, limit)
	if err != nil {
		s.recordError("usage.logs")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
	s.recordRequest("usage.logs", reqStart)
}
