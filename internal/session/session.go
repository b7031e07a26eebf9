// Package session provides durable conversation state keyed by
// customer phone number, including the bot-active lock model.
package session

import "time"

// Sender identifies who produced a message.
const (
	SenderCustomer = "customer"
	SenderBot      = "bot"
	SenderOperator = "operator"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
)

// Message is one conversation entry. Immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`  // caption for image messages
	Image     string    `json:"image,omitempty"` // media reference/URL, image type only
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation thread with a customer.
type Session struct {
	ID          string    `json:"id"` // phone number
	DisplayName string    `json:"display_name"`
	Messages    []Message `json:"messages"`

	// Denormalized summary of the last entry, updated on every append.
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`

	UnreadCount int `json:"unread_count"`

	// BotActive gates automatic replies. IsEscalated marks a silent
	// hand-off; it is only set together with BotActive=false and only
	// cleared by an explicit release.
	BotActive   bool `json:"bot_active"`
	IsEscalated bool `json:"is_escalated"`

	// LastAnalyzedTime is the lead-analyzer watermark.
	LastAnalyzedTime time.Time `json:"last_analyzed_time"`
}

// copy returns a deep copy so callers never share message slices with
// the store's authoritative state.
func (s *Session) copy() *Session {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	dup := *s
	dup.Messages = msgs
	return &dup
}
