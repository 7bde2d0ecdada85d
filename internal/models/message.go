package models

import "time"

// Message is one entry of a conversation log. Only Read ever changes after append.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	SenderName  string    `json:"sender_name"`
	SenderEmail string    `json:"sender_email"`
	SenderRole  string    `json:"sender_role"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
	Read        bool      `json:"read"`
}

// Before orders messages by (SentAt, ID).
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// MessagesEvent is pushed to websocket clients watching a conversation.
type MessagesEvent struct {
	Type            string    `json:"type"`
	ConversationKey string    `json:"conversation_key"`
	Messages        []Message `json:"messages"`
}
