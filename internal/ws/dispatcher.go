package ws

import (
	"log"

	"github.com/loqui/chat-backend/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.MessageCreate).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the event name in the envelope. Malformed envelopes and
// unsupported events produce a message:error response to the client; the
// transport-level ping/pong keepalive never reaches this layer.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher. Replies go out
// directly on the originating connection, so no server handle is needed.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event name. If a handler was
// already registered for the given event, it is silently replaced.
func (d *MessageDispatcher) Register(event string, handler MessageHandler) {
	d.handlers[event] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed client event and routes it to the registered handler. Parse
// errors and unregistered events result in a non-retryable message:error
// sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error user=%s socket=%s: %v", conn.UserID, conn.ID, err)
		d.sendError(conn, "validation_error", "invalid message format")
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("ws: unsupported event=%q user=%s socket=%s", event, conn.UserID, conn.ID)
		d.sendError(conn, "validation_error", "unsupported event")
		return
	}

	handler(conn, msg)
}

// sendError sends a non-retryable message:error event back to the client.
// Errors during construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.EventMessageError, protocol.MessageError{
		Code:      code,
		Message:   message,
		Retryable: false,
	})
	if err != nil {
		log.Printf("ws: failed to build error event socket=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event socket=%s: %v", conn.ID, err)
	}
}
