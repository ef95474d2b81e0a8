package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"convoai/internal/chat"
	"convoai/internal/util"
	"convoai/pkg/ai"
	"convoai/pkg/auth"
	"convoai/pkg/domain"
)

const maxBodyBytes = 1 << 20
const maxMessageRunes = 16 << 10

// Limiter gates requests per key. A nil limiter allows everything.
type Limiter interface {
	Allow(key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Accounts    *auth.Service
	Chat        *chat.Manager
	AuthLimiter Limiter
	ChatLimiter Limiter
	TrustProxy  bool
	CORSOrigins []string
}

// Server exposes the REST API.
type Server struct {
	accounts    *auth.Service
	chat        *chat.Manager
	authLimiter Limiter
	chatLimiter Limiter
	trustProxy  bool
	corsOrigins []string
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		accounts:    cfg.Accounts,
		chat:        cfg.Chat,
		authLimiter: cfg.AuthLimiter,
		chatLimiter: cfg.ChatLimiter,
		trustProxy:  cfg.TrustProxy,
		corsOrigins: cfg.CORSOrigins,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the fully wrapped handler.
func (s *Server) Router() http.Handler {
	var handler http.Handler = s.mux
	handler = util.WithRequestLog(handler)
	handler = util.WithCORS(s.corsOrigins, handler)
	handler = util.WithSecurityHeaders(handler)
	handler = util.WithRequestID(handler)
	return handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.mux.HandleFunc("/api/v1/users/register", s.handleRegister)
	s.mux.HandleFunc("/api/v1/users/login", s.handleLogin)
	s.mux.HandleFunc("/api/v1/users/logout", s.handleLogout)
	s.mux.Handle("/api/v1/users/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/v1/users/change-password", s.authenticated(s.handleChangePassword))

	// chat
	s.mux.Handle("/api/v1/chat", s.authenticated(s.handleChat))

	// conversations
	s.mux.Handle("/api/v1/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/api/v1/conversations/stats", s.authenticated(s.handleConversationStats))
	s.mux.Handle("/api/v1/conversations/search", s.authenticated(s.handleConversationSearch))
	s.mux.Handle("/api/v1/conversations/", s.authenticated(s.handleConversationByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.accounts.UserFromToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) allowAuthRequest(r *http.Request) bool {
	if s.authLimiter == nil {
		return true
	}
	return s.authLimiter.Allow(util.ClientIP(r, s.trustProxy))
}

// account handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthRequest(r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.accounts.Register(req.Email, req.Username, req.Password, req.FullName)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken), errors.Is(err, auth.ErrUsernameTaken):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowAuthRequest(r) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}
	user, token, err := s.accounts.Login(identifier, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.accounts.Logout(token); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var req updateMeRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.accounts.UpdateProfile(user.ID, auth.ProfileUpdate{
			FullName:             req.FullName,
			PreferredLanguage:    req.PreferredLanguage,
			ConversationSettings: req.ConversationSettings,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}
	if err := s.accounts.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chat handler

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.chatLimiter != nil && !s.chatLimiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content := util.SanitizeText(req.Message, maxMessageRunes)
	result, err := s.chat.ProcessUserMessage(r.Context(), user.ID, req.ConversationID, content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// conversation handlers

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		limit, offset := pagination(r)
		items, err := s.chat.ListConversations(user.ID, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		conv, err := s.chat.CreateConversation(user.ID, req.Title, req.ModelConfig, req.ContextWindow)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.chat.ConversationStats(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConversationSearch(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit, _ := pagination(r)
	items, err := s.chat.SearchConversations(user.ID, query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	id, action, extra := splitPath(rest)
	if id == "" || extra != "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		s.handleConversation(w, r, user, id)
	case "messages":
		s.handleConversationMessages(w, r, user, id)
	case "archive":
		s.handleConversationStatus(w, r, user, id, true)
	case "restore":
		s.handleConversationStatus(w, r, user, id, false)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodGet:
		summary, err := s.chat.GetConversationSummary(user.ID, id)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodPut:
		var req updateConversationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		update := chat.ConversationUpdate{
			Title:         req.Title,
			ModelConfig:   req.ModelConfig,
			ContextWindow: req.ContextWindow,
		}
		if req.Status != nil {
			status := domain.ConversationStatus(*req.Status)
			update.Status = &status
		}
		conv, err := s.chat.UpdateConversation(user.ID, id, update)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case http.MethodDelete:
		if err := s.chat.DeleteConversation(user.ID, id); err != nil {
			writeChatError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, offset := pagination(r)
	messages, total, err := s.chat.ListMessages(user.ID, id, limit, offset)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  messages,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleConversationStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string, archive bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var conv domain.Conversation
	var err error
	if archive {
		conv, err = s.chat.ArchiveConversation(user.ID, id)
	} else {
		conv, err = s.chat.RestoreConversation(user.ID, id)
	}
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// writeChatError maps lifecycle errors to HTTP statuses.
func writeChatError(w http.ResponseWriter, err error) {
	var genErr *ai.GenerationError
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidStatus),
		errors.Is(err, chat.ErrInvalidUpdate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ai.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "language model unavailable")
	case errors.As(err, &genErr):
		writeError(w, http.StatusBadGateway, "generation failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func splitPath(rest string) (id, action, extra string) {
	parts := strings.SplitN(rest, "/", 3)
	switch len(parts) {
	case 1:
		return parts[0], "", ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type updateMeRequest struct {
	FullName             *string        `json:"fullName"`
	PreferredLanguage    *string        `json:"preferredLanguage"`
	ConversationSettings map[string]any `json:"conversationSettings"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type chatRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type createConversationRequest struct {
	Title         string             `json:"title"`
	ModelConfig   domain.ModelConfig `json:"modelConfig"`
	ContextWindow int                `json:"contextWindow"`
}

type updateConversationRequest struct {
	Title         *string             `json:"title"`
	Status        *string             `json:"status"`
	ModelConfig   *domain.ModelConfig `json:"modelConfig"`
	ContextWindow *int                `json:"contextWindow"`
}
