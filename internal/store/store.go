// Package store persists the engine's three relations: conversations,
// participants, and the per-conversation message log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gatherhub/messaging-engine/internal/model"
)

var (
	// ErrNotFound signals an unknown conversation or participant.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicatePair signals that a direct conversation already exists
	// for the pair key. Callers resolve it by re-querying FindDirect.
	ErrDuplicatePair = errors.New("store: direct conversation exists for pair")
	// ErrNotParticipant signals that the user does not belong to the
	// conversation.
	ErrNotParticipant = errors.New("store: user is not a participant")
)

// PairKey returns the normalized key for an unordered user pair. Both orders
// of the same pair map to the same key.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}

// Store is the persistence boundary for the engine. Implementations must
// serialize writes per conversation (and per pair key for creation) so the
// pairwise-uniqueness and ordering invariants hold under concurrent callers.
type Store interface {
	// CreateConversation creates a conversation and its participant rows
	// atomically. conv carries IsGroup, DisplayName and PairKey; the store
	// assigns ID and timestamps and sets every participant's watermark to
	// the join time. Returns ErrDuplicatePair when conv.PairKey is already
	// bound to an existing conversation.
	CreateConversation(ctx context.Context, conv model.Conversation, memberIDs []string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// FindDirect resolves a pair key to its direct conversation.
	FindDirect(ctx context.Context, pairKey string) (*model.Conversation, error)
	// ListConversationsByUser returns the user's conversations ordered by
	// UpdatedAt descending.
	ListConversationsByUser(ctx context.Context, userID string) ([]model.Conversation, error)

	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	// AdvanceReadWatermark sets the participant's watermark to
	// max(current, at); a zero at means the store clock's now. Returns the
	// watermark after the update.
	AdvanceReadWatermark(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error)

	// AppendMessage appends to the conversation's log with a
	// server-assigned id and timestamp, strictly later than every prior
	// message in the conversation, and bumps the conversation's UpdatedAt.
	AppendMessage(ctx context.Context, conversationID, senderID, content, sharedRefID string) (*model.Message, error)
	// ListMessages returns messages in (CreatedAt, ID) order, strictly
	// after sinceID when given. An unknown sinceID replays from the start;
	// receivers dedup by id. limit <= 0 means no cap.
	ListMessages(ctx context.Context, conversationID, sinceID string, limit int) ([]model.Message, bool, error)
	// CountMessagesAfter counts messages created strictly after the given
	// time, excluding those sent by excludeSender.
	CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error)

	Close() error
}
