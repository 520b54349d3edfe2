package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/session"
	"github.com/uruchat/chatd/internal/sse"
)

type chatMessageRequest struct {
	ConversationID int64    `json:"conversation_id"`
	Message        string   `json:"message"`
	APIKey         string   `json:"api_key"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
}

// handleChatMessage validates the request synchronously, then switches the
// response to SSE and streams the turn. Once the first frame is written the
// response status is fixed; later failures ride the stream as error events.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	user, err := s.requestUser(r)
	if err != nil {
		s.recordError("chat.message")
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}

	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordError("chat.message")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	turn, err := s.engine.Validate(r.Context(), session.Request{
		OwnerID:        user.ID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		Credential:     req.APIKey,
		Provider:       req.Provider,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		s.recordError("chat.message")
		s.respondError(w, validationStatus(err), err)
		return
	}

	enc, err := sse.NewEncoder(w)
	if err != nil {
		s.recordError("chat.message")
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)

	streamErr := turn.Stream(r.Context(), enc)
	total := time.Since(reqStart)
	if streamErr != nil {
		s.logger.Printf("chat.message turn=%s model=%s outcome=%s total_ms=%d err=%v",
			turn.ID(), turn.Model(), session.KindOf(streamErr), total.Milliseconds(), streamErr)
	} else {
		s.logger.Printf("chat.message turn=%s model=%s outcome=complete total_ms=%d",
			turn.ID(), turn.Model(), total.Milliseconds())
	}
	s.recordRequest("chat.message", reqStart)
}

// validationStatus maps pre-stream turn failures to HTTP statuses.
func validationStatus(err error) int {
	switch session.KindOf(err) {
	case session.KindValidation:
		return http.StatusBadRequest
	case session.KindNotFound:
		return http.StatusNotFound
	case session.KindCredential:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type validateKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	var req validateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordError("chat.validate_key")
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Provider)
	if name == "" {
		s.recordError("chat.validate_key")
		s.respondError(w, http.StatusBadRequest, errors.New("provider required"))
		return
	}
	prov, ok := s.providers.Get(name)
	if !ok {
		s.recordError("chat.validate_key")
		s.respondError(w, http.StatusNotFound, errors.New("unknown provider "+name))
		return
	}
	val, err := prov.ValidateCredential(r.Context(), req.APIKey)
	if err != nil {
		s.recordError("chat.validate_key")
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.respondJSON(w, http.StatusOK, val)
	s.recordRequest("chat.validate_key", reqStart)
}

type modelInfo struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	InputPer1K  float64 `json:"input_per_1k,omitempty"`
	OutputPer1K float64 `json:"output_per_1k,omitempty"`
	Priced      bool    `json:"priced"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	models := make([]modelInfo, 0, 16)
	for _, name := range s.providers.Names() {
		prov, ok := s.providers.Get(name)
		if !ok {
			continue
		}
		for _, id := range prov.Models() {
			models = append(models, s.describeModel(id, prov))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"models": models})
	s.recordRequest("chat.models", reqStart)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	id := chi.URLParam(r, "model")
	for _, name := range s.providers.Names() {
		prov, ok := s.providers.Get(name)
		if !ok {
			continue
		}
		for _, m := range prov.Models() {
			if m == id {
				s.respondJSON(w, http.StatusOK, s.describeModel(id, prov))
				s.recordRequest("chat.model_info", reqStart)
				return
			}
		}
	}
	s.recordError("chat.model_info")
	s.respondError(w, http.StatusNotFound, errors.New("unknown model "+id))
}

func (s *Server) describeModel(id string, prov provider.ChatProvider) modelInfo {
	info := modelInfo{ID: id, Provider: prov.Name()}
	if s.prices != nil {
		if rate, ok := s.prices.Rate(id); ok {
			info.InputPer1K = rate.InputPer1K
			info.OutputPer1K = rate.OutputPer1K
			info.Priced = true
		}
	}
	return info
}
