package model

import (
	"time"
)

// Message is an immutable entry in a conversation's log. The server-assigned
// (CreatedAt, ID) pair is the authoritative ordering key; clients must not
// substitute their own.
type Message struct {
	ID             string `json:"id" db:"id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	SenderID       string `json:"sender_id" db:"sender_id"`

	Content string `json:"content" db:"content"`
	// SharedRefID optionally points at an external entity (a topic, an
	// event) the message links to. The engine stores it opaquely.
	SharedRefID string `json:"shared_ref_id,omitempty" db:"shared_ref_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Before reports whether m sorts strictly before other in log order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content     string `json:"content"`
	SharedRefID string `json:"shared_ref_id,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	// LastID is the id of the last returned message, usable as since_id
	// on the next call or after_id on a stream resubscribe.
	LastID string `json:"last_id,omitempty"`
}

// OpenConversationResponse is returned by the session open operation.
type OpenConversationResponse struct {
	Conversation Conversation  `json:"conversation"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
	HasMore      bool          `json:"has_more"`
	LastID       string        `json:"last_id,omitempty"`
}

// UnreadResponse carries the total unread badge for a user.
type UnreadResponse struct {
	TotalUnread int `json:"total_unread"`
}

// HeartbeatEvent keeps an SSE stream alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a stream-side failure to an SSE subscriber.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
