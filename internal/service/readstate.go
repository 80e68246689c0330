package service

import (
	"context"
	"errors"

	"github.com/gatherhub/messaging-engine/internal/store"
)

// ReadState derives unread counts from the message log and the participant
// watermark. Counts are computed on demand and never stored, so they cannot
// drift under concurrent sends and reads; the scan is bounded by the messages
// behind the watermark, which is normally a small number.
type ReadState struct {
	store store.Store
}

// NewReadState creates a new read-state tracker.
func NewReadState(st store.Store) *ReadState {
	return &ReadState{store: st}
}

// UnreadCount returns the number of messages in the conversation created
// after the user's watermark and sent by someone else. A user who is not a
// participant, or an unknown conversation, counts as zero.
func (r *ReadState) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	p, err := r.store.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNotParticipant) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("participant lookup failed: %v", err)
	}

	count, err := r.store.CountMessagesAfter(ctx, conversationID, p.LastReadAt, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("unread count failed: %v", err)
	}
	return count, nil
}

// TotalUnread sums UnreadCount over every conversation the user participates in.
func (r *ReadState) TotalUnread(ctx context.Context, userID string) (int, error) {
	convs, err := r.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return 0, unavailable("conversation list failed: %v", err)
	}

	total := 0
	for _, conv := range convs {
		n, err := r.UnreadCount(ctx, conv.ID, userID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
