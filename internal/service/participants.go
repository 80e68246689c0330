package service

import (
	"context"
	"errors"
	"time"

	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/store"
)

// Registry exposes conversation membership and the per-participant read
// watermark. Only the owning user ever advances their own watermark; the
// authenticated caller id is the only user id this API accepts.
type Registry struct {
	store store.Store
}

// NewRegistry creates a new participant registry.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// ListParticipants returns the participant set of a conversation.
func (r *Registry) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	participants, err := r.store.ListParticipants(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, unavailable("participant lookup failed: %v", err)
	}
	return participants, nil
}

// MarkRead advances the caller's watermark to max(current, at); a zero at
// means now. The watermark never moves backward, so out-of-order calls and
// repeats are harmless.
func (r *Registry) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	watermark, err := r.store.AdvanceReadWatermark(ctx, conversationID, userID, at)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return time.Time{}, notFound("conversation %s not found", conversationID)
	case errors.Is(err, store.ErrNotParticipant):
		return time.Time{}, permissionDenied("user is not a participant of conversation %s", conversationID)
	case err != nil:
		return time.Time{}, unavailable("mark read failed: %v", err)
	}
	return watermark, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (r *Registry) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, err := r.store.GetParticipant(ctx, conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotParticipant):
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		return false, notFound("conversation %s not found", conversationID)
	default:
		return false, unavailable("participant lookup failed: %v", err)
	}
}
