package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gatherhub/messaging-engine/internal/middleware"
	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/service"
	"github.com/gatherhub/messaging-engine/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	session  *service.Session
	messages *service.Messages
	registry *service.Registry
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	session *service.Session,
	messages *service.Messages,
	registry *service.Registry,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		session:  session,
		messages: messages,
		registry: registry,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
// Returns the log in store order; ?since_id= is the resync cursor.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := h.registry.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	sinceID := r.URL.Query().Get("since_id")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := h.messages.List(ctx, conversationID, sinceID, limit)
	if err != nil {
		h.logger.Error("failed to list messages")
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.session.Send(ctx, conversationID, userID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}
