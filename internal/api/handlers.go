package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"qachat.io/qa-chatbot-backend/internal/auth"
	"qachat.io/qa-chatbot-backend/internal/core"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the domain services the handlers dispatch to.
type Services struct {
	Users         *core.UserService
	Conversations *core.ConversationService
	Analytics     *core.AnalyticsService
	Exporter      *core.ExportService
	Accounts      *core.AccountService
	Chat          *core.ChatService
}

type APIHandler struct {
	users         *core.UserService
	conversations *core.ConversationService
	analytics     *core.AnalyticsService
	exporter      *core.ExportService
	accounts      *core.AccountService
	chat          *core.ChatService
	tokens        *auth.JWTManager
	health        Pinger
	logger        *slog.Logger
}

func NewAPIHandler(svc Services, tokens *auth.JWTManager, health Pinger, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		users:         svc.Users,
		conversations: svc.Conversations,
		analytics:     svc.Analytics,
		exporter:      svc.Exporter,
		accounts:      svc.Accounts,
		chat:          svc.Chat,
		tokens:        tokens,
		health:        health,
		logger:        logger.With("component", "api"),
	}
}

type messageResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := messageResponse{Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// handleServiceError maps a service error onto a status code. subject names
// the entity for 404 messages; failure is the message used for store errors.
func (h *APIHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error, subject, failure string) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, core.ErrNotFound):
		writeMessage(w, http.StatusNotFound, subject+" not found")
	case errors.Is(err, core.ErrConflict):
		writeMessage(w, http.StatusConflict, "User with this email or username already exists")
	case errors.Is(err, core.ErrUnauthorized):
		writeMessage(w, http.StatusUnauthorized, "Incorrect password")
	case errors.Is(err, core.ErrTrialExhausted):
		writeMessage(w, http.StatusForbidden, "Trial prompts exhausted. Add your own API key to continue.")
	case errors.Is(err, core.ErrChatUnavailable):
		h.logger.Warn("chat unavailable", "path", r.URL.Path, "error", err)
		writeMessage(w, http.StatusServiceUnavailable, "Chat is currently unavailable")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, failure, err)
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.health.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Account handlers

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.accounts.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		h.handleServiceError(w, r, err, "User", "Registration failed")
		return
	}
	writeMessage(w, http.StatusOK, "Registered successfully")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.handleServiceError(w, r, err, "User", "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	user, err := h.accounts.Me(r.Context(), claims.ResolvedUserID())
	if err != nil {
		if errors.Is(err, core.ErrUnauthorized) {
			writeMessage(w, http.StatusUnauthorized, "User not found")
			return
		}
		h.handleServiceError(w, r, err, "User", "Error fetching user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": core.NewSessionUser(user)})
}

type apiKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (h *APIHandler) SetAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, _ := ClaimsFromContext(r.Context())
	if err := h.accounts.SetAPIKey(r.Context(), claims.ResolvedUserID(), req.APIKey); err != nil {
		h.handleServiceError(w, r, err, "User", "Error saving API key")
		return
	}
	writeMessage(w, http.StatusOK, "API key saved successfully")
}

// Chat handlers

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req core.AskInput
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, _ := ClaimsFromContext(r.Context())
	res, err := h.chat.Ask(r.Context(), claims.ResolvedUserID(), req)
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error processing prompt")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	convs, err := h.chat.History(r.Context(), claims.ResolvedUserID())
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error fetching conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}
