package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/bus"
	"github.com/gatherhub/messaging-engine/internal/middleware"
	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/service"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	bus      bus.Bus
	messages *service.Messages
	registry *service.Registry
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(b bus.Bus, messages *service.Messages, registry *service.Registry, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:      b,
		messages: messages,
		registry: registry,
		logger:   log,
	}
}

// ReplayCompleteEvent marks the end of the replay phase of a stream.
type ReplayCompleteEvent struct {
	LastID       string `json:"last_id,omitempty"`
	MessageCount int    `json:"message_count"`
}

// Stream handles GET /api/v1/conversations/:id/stream
// Replays the log from ?after_id= and then tails live bus events. The
// subscription opens before the replay so no append falls in the gap between
// the two; an event seen by both phases is delivered twice, and the client
// dedups by message id.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	afterID := r.URL.Query().Get("after_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.bus.Subscribe(conversationID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
		return
	}
	defer sub.Cancel()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	done := ctx.Done()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	// Replay phase: page through the log after the caller's cursor.
	lastID := afterID
	totalReplayed := 0
	for {
		resp, err := h.messages.List(ctx, conversationID, lastID, 0)
		if err != nil {
			h.logger.Error("failed to replay messages",
				zap.String("conversation_id", conversationID), zap.Error(err))
			sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
				Code:    "replay_error",
				Message: "failed to replay messages",
			})
			return
		}

		for i := range resp.Messages {
			select {
			case <-done:
				return
			default:
			}
			sendSSEEvent(w, flusher, "message", resp.Messages[i])
			lastID = resp.Messages[i].ID
			totalReplayed++
		}

		if !resp.HasMore {
			break
		}
	}

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastID:       lastID,
		MessageCount: totalReplayed,
	})

	h.logger.Info("message replay complete",
		zap.String("conversation_id", conversationID),
		zap.Int("messages_replayed", totalReplayed),
	)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Live phase: tail the bus until the client goes away.
	for {
		select {
		case <-done:
			h.logger.Info("SSE client disconnected",
				zap.String("conversation_id", conversationID))
			return

		case msg, open := <-sub.C:
			if !open {
				sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
					Code:    "stream_closed",
					Message: "subscription closed; resubscribe with after_id",
				})
				return
			}
			sendSSEEvent(w, flusher, "message", msg)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
