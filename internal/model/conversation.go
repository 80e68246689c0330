// Package model defines data structures for the messaging engine.
package model

import (
	"time"
)

// Conversation represents a durable thread of messages among a fixed
// participant set.
type Conversation struct {
	ID          string `json:"id" db:"id"`
	IsGroup     bool   `json:"is_group" db:"is_group"`
	DisplayName string `json:"display_name,omitempty" db:"display_name"`
	// PairKey is the normalized participant-pair key for direct
	// conversations; empty for groups. At most one direct conversation
	// exists per pair key.
	PairKey   string    `json:"-" db:"pair_key"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Denormalized preview of the last appended message.
	LastMessage *Message `json:"last_message,omitempty" db:"-"`
}

// ConversationView is the composite list entry a session caller sees.
type ConversationView struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// StartDirectRequest is the request to start or resolve a direct conversation.
type StartDirectRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// CreateGroupRequest is the request to create a group conversation.
type CreateGroupRequest struct {
	MemberIDs   []string `json:"member_ids"`
	DisplayName string   `json:"display_name"`
}

// StartConversationResponse returns the resolved conversation id.
type StartConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	Created        bool   `json:"created"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationView `json:"conversations"`
	TotalUnread   int                `json:"total_unread"`
}
