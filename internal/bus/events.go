package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Routing keys published on the user.events exchange.
const (
	KeyUserCreated          = "user.created"
	KeyUserMakeFriend       = "user.makeFriend"
	KeyUserUpdateFriendship = "user.updateStatusMakeFriend"
	KeyUserUpdated          = "user.updated"
)

// Routing keys published on the realtime.events exchange.
const (
	KeyEmitEvent   = "realtime.emitEvent"
	KeySendMessage = "realtime.sendMessage"
	KeyUserOnline  = "user.online"
	KeyUserOffline = "user.offline"
)

// Routing keys published on the call.events exchange.
const (
	KeyCallStarted        = "call.started"
	KeyCallAccepted       = "call.accepted"
	KeyCallRejected       = "call.rejected"
	KeyCallEnded          = "call.ended"
	KeyCallParticipantIn  = "call.participant.joined"
	KeyCallParticipantOut = "call.participant.left"
)

// Routing keys published on the chat.events exchange.
const (
	KeyMessageSend = "message.send"
)

// EmitEvent asks the gateways to relay an event to the listed users' local
// sockets. Every gateway instance subscribes with its own queue and receives
// its own copy: each instance holds a different set of sockets, so the
// envelope must reach all of them. An instance holding none of the targets
// simply relays to nobody.
type EmitEvent struct {
	UserIDs []string        `json:"userIds"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// PresenceEvent signals an edge-triggered online/offline transition for a
// user. Published at most once per liveness window boundary, never per
// socket.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// MessageSend is the client-submitted message-create request carried on
// chat.events: message.send from the gateway to the ingestion pipeline.
type MessageSend struct {
	ConversationID   string      `json:"conversationId"`
	SenderID         string      `json:"senderId"`
	ClientMessageID  string      `json:"clientMessageId"`
	Type             string      `json:"type"`
	Content          string      `json:"content,omitempty"`
	Medias           []MediaItem `json:"medias,omitempty"`
	ReplyToMessageID string      `json:"replyToMessageId,omitempty"`
}

// MediaItem describes one media attachment referenced by a message.
type MediaItem struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,omitempty"`
}

// UserEvent is the payload for user.events routing keys (created, updated,
// friendship changes). Consumed by out-of-scope services; carried here so
// payloads on the exchange stay typed.
type UserEvent struct {
	UserID   string `json:"userId"`
	FriendID string `json:"friendId,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CallEvent is the payload for call.events lifecycle routing keys.
type CallEvent struct {
	CallID         string   `json:"callId"`
	ConversationID string   `json:"conversationId"`
	InitiatorID    string   `json:"initiatorId"`
	ParticipantID  string   `json:"participantId,omitempty"`
	MemberIDs      []string `json:"memberIds,omitempty"`
}

// Decode parses an envelope's payload into its concrete event type. The set
// of (exchange, routingKey) pairs is closed; unknown keys are rejected so
// malformed or untyped traffic never crosses the bus boundary.
func Decode(env Envelope) (interface{}, error) {
	var (
		v   interface{}
		err error
	)

	switch env.Exchange {
	case ExchangeRealtime:
		switch env.RoutingKey {
		case KeyEmitEvent, KeySendMessage:
			var e EmitEvent
			err = json.Unmarshal(env.Data, &e)
			v = e
		case KeyUserOnline, KeyUserOffline:
			var e PresenceEvent
			err = json.Unmarshal(env.Data, &e)
			v = e
		default:
			return nil, fmt.Errorf("bus: unknown routing key %q on %s", env.RoutingKey, env.Exchange)
		}

	case ExchangeChat:
		switch env.RoutingKey {
		case KeyMessageSend:
			var e MessageSend
			err = json.Unmarshal(env.Data, &e)
			v = e
		default:
			return nil, fmt.Errorf("bus: unknown routing key %q on %s", env.RoutingKey, env.Exchange)
		}

	case ExchangeUser:
		switch env.RoutingKey {
		case KeyUserCreated, KeyUserMakeFriend, KeyUserUpdateFriendship, KeyUserUpdated:
			var e UserEvent
			err = json.Unmarshal(env.Data, &e)
			v = e
		default:
			return nil, fmt.Errorf("bus: unknown routing key %q on %s", env.RoutingKey, env.Exchange)
		}

	case ExchangeCall:
		switch env.RoutingKey {
		case KeyCallStarted, KeyCallAccepted, KeyCallRejected, KeyCallEnded,
			KeyCallParticipantIn, KeyCallParticipantOut:
			var e CallEvent
			err = json.Unmarshal(env.Data, &e)
			v = e
		default:
			return nil, fmt.Errorf("bus: unknown routing key %q on %s", env.RoutingKey, env.Exchange)
		}

	default:
		return nil, fmt.Errorf("bus: unknown exchange %q", env.Exchange)
	}

	if err != nil {
		return nil, fmt.Errorf("bus: decode %s:%s payload: %w", env.Exchange, env.RoutingKey, err)
	}
	return v, nil
}
