package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"qachat.io/qa-chatbot-backend/internal/core"
	"qachat.io/qa-chatbot-backend/internal/utils"
)

func pageParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	return utils.ParsePageParam(q.Get("page"), utils.DefaultPage),
		utils.ParsePageParam(q.Get("limit"), utils.DefaultLimit)
}

func (h *APIHandler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.analytics.Compute(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err, "Analytics", "Error fetching analytics")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *APIHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := h.users.List(r.Context(), page, limit, r.URL.Query().Get("search"))
	if err != nil {
		h.handleServiceError(w, r, err, "User", "Error fetching users")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.users.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.handleServiceError(w, r, err, "User", "Error fetching user details")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req core.CreateUserInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.users.Create(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, r, err, "User", "Error creating user")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "User created successfully", "user": user})
}

func (h *APIHandler) UpdateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req core.UpdateUserInput
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.users.Update(r.Context(), chi.URLParam(r, "userID"), req)
	if err != nil {
		h.handleServiceError(w, r, err, "User", "Error updating user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User updated successfully", "user": user})
}

type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

func (h *APIHandler) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.ResetPassword(r.Context(), chi.URLParam(r, "userID"), req.NewPassword); err != nil {
		h.handleServiceError(w, r, err, "User", "Error resetting password")
		return
	}
	writeMessage(w, http.StatusOK, "Password reset successfully")
}

func (h *APIHandler) DeleteUserHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.users.Delete(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.handleServiceError(w, r, err, "User", "Error deleting user")
		return
	}
	writeMessage(w, http.StatusOK, "User and associated data deleted successfully")
}

func (h *APIHandler) RevokeAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.users.RevokeAPIKey(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.handleServiceError(w, r, err, "User", "Error deleting API key")
		return
	}
	writeMessage(w, http.StatusOK, "API key deleted successfully")
}

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)
	res, err := h.conversations.List(r.Context(), page, limit, r.URL.Query().Get("userId"))
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error fetching conversations")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.conversations.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error fetching conversation")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExportConversationsHandler renders the whole CSV before writing so failures
// can still be reported as JSON.
func (h *APIHandler) ExportConversationsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := h.exporter.ParseFilter(q.Get("userId"), q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error exporting conversations")
		return
	}
	rows, err := h.exporter.Export(r.Context(), filter)
	if err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error exporting conversations")
		return
	}

	var buf bytes.Buffer
	if err := core.WriteCSV(&buf, rows); err != nil {
		h.handleServiceError(w, r, err, "Conversation", "Error exporting conversations")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=conversations-export.csv")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
