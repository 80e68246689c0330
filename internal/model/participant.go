package model

import (
	"time"
)

// Participant captures membership in a conversation plus the member's read
// watermark. Identity is the (ConversationID, UserID) pair. Only the owning
// user may advance their own LastReadAt.
type Participant struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
	// LastReadAt marks "everything up to here is read". Defaults to
	// JoinedAt and never moves backward.
	LastReadAt time.Time `json:"last_read_at" db:"last_read_at"`
}

// MarkReadRequest advances the caller's read watermark. A zero At means "now".
type MarkReadRequest struct {
	At time.Time `json:"at,omitempty"`
}

// MarkReadResponse returns the watermark after the update.
type MarkReadResponse struct {
	LastReadAt time.Time `json:"last_read_at"`
}
