package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uruchat/chatd/internal/chatstore"
	"github.com/uruchat/chatd/internal/userstore"
)

const defaultMessagePage = 50

type createConversationRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, err := s.requestUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	conv, err := s.store.CreateConversation(r.Context(), chatstore.Conversation{
		OwnerID:      user.ID,
		Title:        title,
		Model:        strings.TrimSpace(req.Model),
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		s.recordError("conversations.create")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, conv)
	s.recordRequest("conversations.create", reqStart)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, err := s.requestUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	convs, err := s.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		s.recordError("conversations.list")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	s.recordRequest("conversations.list", reqStart)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, id, err := s.conversationScope(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id, user.ID)
	if err != nil {
		s.respondStoreError(w, "conversations.get", err)
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
	s.recordRequest("conversations.get", reqStart)
}

type updateConversationRequest struct {
	Title        *string `json:"title,omitempty"`
	Model        *string `json:"model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	Archived     *bool   `json:"is_archived,omitempty"`
	Pinned       *bool   `json:"is_pinned,omitempty"`
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, id, err := s.conversationScope(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("title cannot be empty"))
		return
	}
	conv, err := s.store.UpdateConversation(r.Context(), id, user.ID, chatstore.ConversationUpdate{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Archived:     req.Archived,
		Pinned:       req.Pinned,
	})
	if err != nil {
		s.respondStoreError(w, "conversations.update", err)
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
	s.recordRequest("conversations.update", reqStart)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, id, err := s.conversationScope(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id, user.ID); err != nil {
		s.respondStoreError(w, "conversations.delete", err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
	s.recordRequest("conversations.delete", reqStart)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, id, err := s.conversationScope(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	// Ownership check before touching messages.
	if _, err := s.store.GetConversation(r.Context(), id, user.ID); err != nil {
		s.respondStoreError(w, "conversations.messages", err)
		return
	}
	limit := defaultMessagePage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messages, err := s.store.RecentMessages(r.Context(), id, limit)
	if err != nil {
		s.recordError("conversations.messages")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"messages": messages})
	s.recordRequest("conversations.messages", reqStart)
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, id, err := s.conversationScope(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetConversation(r.Context(), id, user.ID); err != nil {
		s.respondStoreError(w, "conversations.stats", err)
		return
	}
	stats, err := s.store.ConversationStats(r.Context(), id)
	if err != nil {
		s.recordError("conversations.stats")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
	s.recordRequest("conversations.stats", reqStart)
}

func (s *Server) conversationScope(r *http.Request) (*userstore.User, int64, error) {
	user, err := s.requestUser(r)
	if err != nil {
		return nil, 0, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return nil, 0, errors.New("invalid conversation id")
	}
	return user, id, nil
}

func (s *Server) respondStoreError(w http.ResponseWriter, endpoint string, err error) {
	s.recordError(endpoint)
	if errors.Is(err, chatstore.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}
