package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/bus"
	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

const (
	maxMessageLength = 100000 // ~100KB

	defaultListLimit = 50
	maxListLimit     = 200
)

// Messages appends to and reads from the per-conversation message log, and
// fans successful appends out on the delivery bus.
type Messages struct {
	store  store.Store
	bus    bus.Bus
	logger *logger.Logger
}

// NewMessages creates a new message service.
func NewMessages(st store.Store, b bus.Bus, log *logger.Logger) *Messages {
	return &Messages{store: st, bus: b, logger: log}
}

// Append stores a message and publishes it. The sender must be a participant;
// content must be non-empty after trimming. The returned message carries the
// server-assigned id and timestamp, which are the authoritative ordering key.
func (m *Messages) Append(ctx context.Context, conversationID, senderID, content, sharedRefID string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidArgument("message content cannot be empty")
	}
	if len(content) > maxMessageLength {
		return nil, invalidArgument("message content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return nil, invalidArgument("message content must be valid UTF-8")
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, unavailable("conversation lookup failed: %v", err)
	}

	msg, err := m.store.AppendMessage(ctx, conversationID, senderID, content, sharedRefID)
	switch {
	case errors.Is(err, store.ErrNotParticipant):
		return nil, permissionDenied("sender is not a participant of conversation %s", conversationID)
	case errors.Is(err, store.ErrNotFound):
		return nil, notFound("conversation %s not found", conversationID)
	case err != nil:
		return nil, unavailable("append failed: %v", err)
	}

	// Fan-out happens after the append committed. A publish failure is not
	// an append failure: subscribers recover through list-since resync.
	if err := m.bus.Publish(ctx, msg); err != nil {
		m.logger.Warn("failed to publish message to bus",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	metrics.MessagesTotal.WithLabelValues(metrics.ConversationKind(conv.IsGroup)).Inc()
	return msg, nil
}

// List returns messages in log order, strictly after sinceID when given. This
// is the resync primitive subscribers use after a dropped subscription.
func (m *Messages) List(ctx context.Context, conversationID, sinceID string, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	msgs, hasMore, err := m.store.ListMessages(ctx, conversationID, sinceID, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, unavailable("list failed: %v", err)
	}

	resp := &model.ListMessagesResponse{
		Messages: msgs,
		HasMore:  hasMore,
	}
	if len(msgs) > 0 {
		resp.LastID = msgs[len(msgs)-1].ID
	}
	return resp, nil
}
