// Package protocol defines the message types and structures exchanged with
// clients over the WebSocket channel. All messages are serialized as JSON
// and follow a consistent envelope format: an "event" name discriminator
// plus an event-specific "data" payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events. Heartbeat keepalive is transport-level ping/pong
// and never appears as an application event.
const (
	EventMessageCreate = "message:create"
)

// Server -> Client events.
const (
	EventMessageAck      = "message:ack"
	EventMessageError    = "message:error"
	EventMessageNew      = "message:new"
	EventChatNewMessage  = "chat.new_message"
	EventUserOnline      = "user.online_status_changed"
	EventUserOffline     = "user.offline_status_changed"
	EventNewConversation = "chat.new_conversation"
	EventNewMemberAdded  = "chat.new_member_added"
	EventNewNotification = "notification.new_notification"
)

// Message content types accepted in message:create.
const (
	MessageTypeText  = "TEXT"
	MessageTypeImage = "IMAGE"
	MessageTypeVideo = "VIDEO"
	MessageTypeFile  = "FILE"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// MediaRef references one uploaded media attachment by URL. Upload itself
// happens out of band; the message only carries the reference.
type MediaRef struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,omitempty"`
}

// MessageCreate is the client's request to submit a message to a
// conversation. ClientMessageID is the client-chosen idempotency token:
// resubmitting with the same value is always safe.
type MessageCreate struct {
	ConversationID  string     `json:"conversationId"`
	Type            string     `json:"type"`
	Content         string     `json:"content,omitempty"`
	ClientMessageID string     `json:"clientMessageId"`
	Media           []MediaRef `json:"media,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// MessageView is the client-facing representation of a persisted message.
type MessageView struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversationId"`
	SenderID         string     `json:"senderId"`
	ClientMessageID  string     `json:"clientMessageId"`
	Type             string     `json:"type"`
	Content          string     `json:"content,omitempty"`
	Media            []MediaRef `json:"media,omitempty"`
	ReplyToMessageID string     `json:"replyToMessageId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// MessageAck confirms persistence of a submitted message to its sender,
// correlated by clientMessageId. Duplicated is true when the submission was
// a retry of an already-persisted message.
type MessageAck struct {
	Status          string      `json:"status"`
	ClientMessageID string      `json:"clientMessageId"`
	ServerMessageID string      `json:"serverMessageId"`
	ConversationID  string      `json:"conversationId"`
	Duplicated      bool        `json:"duplicated"`
	CreatedAt       time.Time   `json:"createdAt"`
	Message         MessageView `json:"message"`
}

// MessageError reports a failed submission to the sender. Retryable=true
// means the client should resubmit with the same clientMessageId; false
// means the failure is permanent and must not be retried.
type MessageError struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable"`
}

// MessageNew notifies a conversation member (other than the sender) of a
// newly persisted message.
type MessageNew struct {
	Message MessageView `json:"message"`
}

// ChatNewMessage is the conversation-list reorder event sent to every member
// including the sender: the full record plus the member set.
type ChatNewMessage struct {
	MessageView
	MemberIDs []string `json:"memberIds"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the event name, the decoded struct, and any error encountered.
// Unknown or server-only events are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"event\" field")
	}

	switch env.Event {
	case EventMessageCreate:
		var m MessageCreate
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
		}
		return env.Event, m, nil
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event: %q", env.Event)
	}
}

// NewServerMessage creates the JSON bytes for a server-to-client event with
// the given payload.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
	}
	return NewServerRaw(event, data)
}

// NewServerRaw creates the JSON bytes for a server-to-client event whose
// payload is already JSON-encoded. Used by the relay path, which passes bus
// event payloads through without reinterpreting them.
func NewServerRaw(event string, data json.RawMessage) ([]byte, error) {
	out, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", event, err)
	}
	return out, nil
}
