// Package repository provides PostgreSQL-backed storage for conversations,
// memberships, and messages. It owns the idempotency invariant: at most one
// message row exists for a given (conversation_id, sender_id,
// client_message_id) triple, enforced by a unique constraint so that racing
// submissions converge on the same record.
package repository

import "time"

// Member roles within a conversation.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Conversation is the container messages are posted into. The last_message
// columns order conversation lists client-side and must never regress to an
// older message.
type Conversation struct {
	ID              string
	Type            string // "direct" or "group"
	Title           string
	LastMessageID   string
	LastMessageAt   time.Time
	LastMessageType string
	CreatedAt       time.Time
}

// Member is one user's membership in a conversation. Inactive members have
// left (or been removed) and can no longer post or receive new-message
// events.
type Member struct {
	ConversationID string
	UserID         string
	Role           string
	Active         bool
}

// Message is one persisted message. ID is server-assigned;
// ClientMessageID is the client's idempotency token.
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	ClientMessageID  string
	Type             string
	Content          string
	Medias           []Media
	ReplyToMessageID string
	CreatedAt        time.Time
}

// Media is one attachment persisted alongside its message in the same
// transaction.
type Media struct {
	ID        string
	MessageID string
	URL       string
	MimeType  string
	Size      int64
}
