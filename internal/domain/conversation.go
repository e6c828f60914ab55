package domain

import "time"

type ConversationID string

// Conversation is the chat thread shared by the two call participants.
// The call controller only touches its summary fields when writing a log.
type Conversation struct {
	ID            ConversationID `json:"id"`
	LastMessage   string         `json:"last_message,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at,omitempty"`
}
