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

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	session *service.Session
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(session *service.Session, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{session: session, logger: log}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	resp, err := h.session.ListConversations(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list conversations")
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) StartDirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.StartDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateUserID(req.OtherUserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, created, err := h.session.StartDirect(ctx, userID, req.OtherUserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, &model.StartConversationResponse{
		ConversationID: conv.ID,
		Created:        created,
	})
}

// CreateGroup handles POST /api/v1/conversations/group
func (h *ConversationHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.session.CreateGroup(ctx, userID, &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &model.StartConversationResponse{
		ConversationID: conv.ID,
		Created:        true,
	})
}

// Open handles GET /api/v1/conversations/:id
// Fetches the message page and advances the caller's read watermark to the
// last fetched message.
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sinceID := r.URL.Query().Get("since_id")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := h.session.Open(ctx, conversationID, userID, sinceID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkRead handles POST /api/v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.MarkReadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	watermark, err := h.session.MarkRead(ctx, conversationID, userID, req.At)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.MarkReadResponse{LastReadAt: watermark})
}

// Unread handles GET /api/v1/unread
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	total, err := h.session.TotalUnread(ctx, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &model.UnreadResponse{TotalUnread: total})
}
