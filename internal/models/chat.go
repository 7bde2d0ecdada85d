package models

import "time"

// Conversation is the per-conversation summary derived from the tail of the log.
type Conversation struct {
	Key             string    `json:"conversation_key"`
	LastMessageID   string    `json:"last_message_id"`
	LastMessageBody string    `json:"last_message_body"`
	LastMessageAt   time.Time `json:"last_message_at"`
	LastSenderID    string    `json:"last_sender_id"`
	Participants    []string  `json:"participants"`
}

// ChatListEntry is one row of a user's inbox. The two rows of a conversation are not
// symmetric: UnreadCount only counts messages addressed to the owner.
type ChatListEntry struct {
	ConversationKey  string    `json:"conversation_key"`
	CounterpartID    string    `json:"counterpart_id"`
	CounterpartName  string    `json:"counterpart_name"`
	CounterpartEmail string    `json:"counterpart_email"`
	LastMessageBody  string    `json:"last_message_body"`
	LastMessageAt    time.Time `json:"last_message_at"`
	LastSenderID     string    `json:"last_sender_id"`
	UnreadCount      int64     `json:"unread_count"`
}

// Profile is the display metadata rendered for a participant.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Sender identifies who is sending and how the message should be attributed.
// ID is the participant id used in the conversation key, which for super admins is the
// support alias rather than their account id.
type Sender struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// Profile returns the sender's display metadata.
func (s Sender) Profile() Profile {
	return Profile{Name: s.Name, Email: s.Email}
}

// ChatListEvent is pushed to websocket clients watching their inbox.
type ChatListEvent struct {
	Type        string          `json:"type"`
	Entries     []ChatListEntry `json:"entries"`
	TotalUnread int64           `json:"total_unread"`
}
