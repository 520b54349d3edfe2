// Package httpserver exposes the chat pipeline over HTTP: the streaming
// message endpoint, conversation management, credential checks, auth and
// operational endpoints. It owns no business logic; every handler delegates
// to the session engine or a store.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/uruchat/chatd/internal/auth"
	"github.com/uruchat/chatd/internal/chatstore"
	"github.com/uruchat/chatd/internal/metrics"
	"github.com/uruchat/chatd/internal/pricing"
	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/session"
	"github.com/uruchat/chatd/internal/usageledger"
	"github.com/uruchat/chatd/internal/userstore"
)

const sessionCookieName = "chatd_session"

// Options bundles the dependencies a Server needs. Auth and Ledger may be
// nil; the matching endpoints then degrade (auth endpoints return 501, usage
// endpoints return empty results).
type Options struct {
	Engine    *session.Engine
	Store     chatstore.Store
	Ledger    usageledger.Store
	Providers *provider.Registry
	Prices    *pricing.Table
	Auth      *auth.Manager
	Identity  userstore.Store
	Collector *metrics.Collector
	Logger    *log.Logger

	// AuthDisabled skips the session middleware; every request acts as
	// DefaultUser. Intended for single-user local deployments.
	AuthDisabled bool
	DefaultUser  *userstore.User
	SessionTTL   time.Duration
}

// Server carries the handler state. Construct with New; the zero value is
// not usable.
type Server struct {
	engine       *session.Engine
	store        chatstore.Store
	ledger       usageledger.Store
	providers    *provider.Registry
	prices       *pricing.Table
	auth         *auth.Manager
	identity     userstore.Store
	collector    *metrics.Collector
	logger       *log.Logger
	authDisabled bool
	defaultUser  *userstore.User
	sessionTTL   time.Duration
}

// New builds a Server from its dependencies.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("httpserver: engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("httpserver: chat store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("httpserver: provider registry is required")
	}
	if opts.AuthDisabled && opts.DefaultUser == nil {
		return nil, errors.New("httpserver: auth disabled requires a default user")
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		engine:       opts.Engine,
		store:        opts.Store,
		ledger:       opts.Ledger,
		providers:    opts.Providers,
		prices:       opts.Prices,
		auth:         opts.Auth,
		identity:     opts.Identity,
		collector:    opts.Collector,
		logger:       logger,
		authDisabled: opts.AuthDisabled,
		defaultUser:  opts.DefaultUser,
		sessionTTL:   ttl,
	}, nil
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", s.handleAuthLogin)
		api.Post("/auth/verify", s.handleAuthVerify)

		api.Group(func(private chi.Router) {
			if s.auth != nil && !s.authDisabled {
				private.Use(s.sessionMiddleware)
			}
			private.Post("/chat/message", s.handleChatMessage)
			private.Post("/chat/validate-key", s.handleValidateKey)
			private.Get("/chat/models", s.handleModels)
			private.Get("/chat/models/{model}", s.handleModelInfo)

			private.Post("/conversations", s.handleCreateConversation)
			private.Get("/conversations", s.handleListConversations)
			private.Get("/conversations/{id}", s.handleGetConversation)
			private.Patch("/conversations/{id}", s.handleUpdateConversation)
			private.Delete("/conversations/{id}", s.handleDeleteConversation)
			private.Get("/conversations/{id}/messages", s.handleConversationMessages)
			private.Get("/conversations/{id}/stats", s.handleConversationStats)

			private.Get("/profile", s.handleProfile)
			private.Get("/usage/summary", s.handleUsageSummary)
			private.Get("/usage/logs", s.handleUsageLogs)
		})
	})

	return r
}

type sessionContextKey struct{}

type sessionInfo struct {
	user *userstore.User
}

func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (*sessionInfo, error) {
	if s.identity == nil {
		return nil, errors.New("identity store unavailable")
	}

	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			return nil, errors.New("missing session")
		}
		token = cookie.Value
	}
	id, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.identity.GetByID(r.Context(), id.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = s.identity.FindByEmail(r.Context(), id.Email)
		if err != nil {
			return nil, err
		}
	}
	if user == nil {
		return nil, errors.New("user not found")
	}
	if user.Status != userstore.StatusActive {
		return nil, errors.New("user inactive")
	}
	return &sessionInfo{user: user}, nil
}

// requestUser resolves the acting identity: the session user when auth is
// on, the configured default user otherwise.
func (s *Server) requestUser(r *http.Request) (*userstore.User, error) {
	if info, ok := r.Context().Value(sessionContextKey{}).(*sessionInfo); ok && info.user != nil {
		return info.user, nil
	}
	if s.authDisabled || s.auth == nil {
		return s.defaultUser, nil
	}
	return nil, errors.New("no session user")
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) recordRequest(endpoint string, start time.Time) {
	if s.collector != nil {
		s.collector.RecordRequest(endpoint, time.Since(start))
	}
}

func (s *Server) recordError(endpoint string) {
	if s.collector != nil {
		s.collector.RecordError(endpoint)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"providers": s.providers.Names(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	}
	if s.collector != nil {
		payload["uptime_seconds"] = s.collector.GetSnapshot().Uptime
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}
