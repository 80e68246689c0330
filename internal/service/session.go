package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

// SessionConfig tunes the facade's retry behavior.
type SessionConfig struct {
	// SendMaxRetries bounds the retries of a transiently failing append.
	SendMaxRetries uint64
	// SendRetryInterval is the initial backoff interval between retries.
	SendRetryInterval time.Duration
}

// Session is the client-facing facade. It composes the directory, message
// log, participant registry and read-state tracker into the operations a
// caller needs, and is deliberately not a second source of truth for any of
// them.
type Session struct {
	cfg       SessionConfig
	directory *Directory
	messages  *Messages
	registry  *Registry
	readState *ReadState
	store     store.Store
	logger    *logger.Logger
}

// NewSession creates the session facade.
func NewSession(
	cfg SessionConfig,
	directory *Directory,
	messages *Messages,
	registry *Registry,
	readState *ReadState,
	st store.Store,
	log *logger.Logger,
) *Session {
	if cfg.SendMaxRetries == 0 {
		cfg.SendMaxRetries = 3
	}
	if cfg.SendRetryInterval <= 0 {
		cfg.SendRetryInterval = 100 * time.Millisecond
	}
	return &Session{
		cfg:       cfg,
		directory: directory,
		messages:  messages,
		registry:  registry,
		readState: readState,
		store:     st,
		logger:    log,
	}
}

// ListConversations returns the user's conversations ordered by most recent
// activity, each with its last-message preview and derived unread count.
func (s *Session) ListConversations(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	convs, err := s.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, unavailable("conversation list failed: %v", err)
	}

	views := make([]model.ConversationView, 0, len(convs))
	total := 0
	for _, conv := range convs {
		unread, err := s.readState.UnreadCount(ctx, conv.ID, userID)
		if err != nil {
			return nil, err
		}
		views = append(views, model.ConversationView{
			Conversation: conv,
			LastMessage:  conv.LastMessage,
			UnreadCount:  unread,
		})
		total += unread
	}
	return &model.ListConversationsResponse{
		Conversations: views,
		TotalUnread:   total,
	}, nil
}

// Open fetches a conversation's messages and then marks them read. The
// watermark is the timestamp of the last message actually fetched, not wall
// clock, so a message landing between fetch and mark stays unread.
func (s *Session) Open(ctx context.Context, conversationID, userID, sinceID string, limit int) (*model.OpenConversationResponse, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, unavailable("conversation lookup failed: %v", err)
	}

	ok, err := s.registry.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, permissionDenied("user is not a participant of conversation %s", conversationID)
	}

	participants, err := s.registry.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.messages.List(ctx, conversationID, sinceID, limit)
	if err != nil {
		return nil, err
	}

	if n := len(msgs.Messages); n > 0 {
		last := msgs.Messages[n-1]
		if _, err := s.registry.MarkRead(ctx, conversationID, userID, last.CreatedAt); err != nil {
			return nil, err
		}
	}

	return &model.OpenConversationResponse{
		Conversation: *conv,
		Participants: participants,
		Messages:     msgs.Messages,
		HasMore:      msgs.HasMore,
		LastID:       msgs.LastID,
	}, nil
}

// Send appends a message, retrying transient storage failures a bounded
// number of times with exponential backoff. An exhausted retry budget surfaces
// as a failed send, never a silent drop.
func (s *Session) Send(ctx context.Context, conversationID, userID string, req *model.SendMessageRequest) (*model.Message, error) {
	var msg *model.Message

	operation := func() error {
		var err error
		msg, err = s.messages.Append(ctx, conversationID, userID, req.Content, req.SharedRefID)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		metrics.SendRetriesTotal.Inc()
		s.logger.Warn("send failed transiently, retrying",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.SendRetryInterval
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, s.cfg.SendMaxRetries), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return msg, nil
}

// StartDirect resolves or creates the direct conversation between the caller
// and another user.
func (s *Session) StartDirect(ctx context.Context, userID, otherUserID string) (*model.Conversation, bool, error) {
	return s.directory.GetOrCreateDirect(ctx, userID, otherUserID)
}

// CreateGroup creates a group conversation with the caller as a member.
func (s *Session) CreateGroup(ctx context.Context, userID string, req *model.CreateGroupRequest) (*model.Conversation, error) {
	return s.directory.CreateGroup(ctx, userID, req.MemberIDs, req.DisplayName)
}

// MarkRead advances the caller's read watermark; a zero at means now.
func (s *Session) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	return s.registry.MarkRead(ctx, conversationID, userID, at)
}

// TotalUnread returns the user's unread badge total.
func (s *Session) TotalUnread(ctx context.Context, userID string) (int, error) {
	return s.readState.TotalUnread(ctx, userID)
}
