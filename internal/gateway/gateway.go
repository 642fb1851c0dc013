package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/loqui/chat-backend/internal/auth"
	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/metrics"
	"github.com/loqui/chat-backend/internal/presence"
	"github.com/loqui/chat-backend/internal/protocol"
	"github.com/loqui/chat-backend/internal/ratelimit"
	"github.com/loqui/chat-backend/internal/ws"
)

// redisTimeout bounds presence operations driven from connection callbacks.
const redisTimeout = 3 * time.Second

// Bus is the slice of the event bus the gateway consumes: it publishes
// submissions and presence edges, and subscribes for delivery events to
// relay.
type Bus interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
	Subscribe(exchange, pattern, queueName string, mode bus.AckMode, handler bus.Handler) error
}

// Config holds gateway instance settings.
type Config struct {
	// InstanceID distinguishes this gateway's bus subscriptions from its
	// peers'. Every instance must receive every delivery event, since each
	// holds a different set of local sockets.
	InstanceID string
	WS         ws.ServerConfig
}

// Gateway ties the WebSocket server, presence registry, fanout hub, and bus
// together into one running edge instance.
type Gateway struct {
	cfg      Config
	server   *ws.Server
	hub      *Hub
	registry *presence.Registry
	bus      Bus
	limiter  *ratelimit.Limiter
	verifier auth.Verifier
}

// New wires a Gateway. The verifier authenticates upgrade requests; the
// registry and limiter share the gateway's Redis; the bus carries everything
// else.
func New(cfg Config, verifier auth.Verifier, registry *presence.Registry, b Bus, limiter *ratelimit.Limiter) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		hub:      NewHub(),
		registry: registry,
		bus:      b,
		limiter:  limiter,
		verifier: verifier,
	}

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.EventMessageCreate, g.handleMessageCreate)

	g.server = ws.NewServer(cfg.WS, g.authenticateUpgrade, dispatcher.Dispatch)

	g.server.SetOnConnect(g.onConnect)
	g.server.SetOnDisconnect(g.onDisconnect)
	g.server.SetOnActivity(g.onActivity)
	g.server.SetMetricsHandler(metrics.Handler())

	return g
}

// Run binds the relay subscriptions and serves WebSocket traffic. It blocks
// until the server stops.
func (g *Gateway) Run() error {
	if err := g.startRelay(); err != nil {
		return err
	}
	return g.server.Start()
}

// Shutdown gracefully stops the WebSocket server. Each removed connection
// fires the disconnect path, so presence registrations are released before
// the process exits.
func (g *Gateway) Shutdown() error {
	return g.server.Shutdown()
}

// authenticateUpgrade verifies the upgrade request's credential and then
// throttles connection attempts per user. A throttled user gets 429 from the
// transport (via ws.ErrRateLimited) rather than 401: the credential was fine,
// the reconnect pace was not.
func (g *Gateway) authenticateUpgrade(r *http.Request) (string, error) {
	userID, err := g.verifier.VerifyRequest(r)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
	defer cancel()

	allowed, _ := g.limiter.Allow(ctx, userID, ratelimit.RuleConnect)
	if !allowed {
		return "", fmt.Errorf("%w: user=%s", ws.ErrRateLimited, userID)
	}
	return userID, nil
}

// onConnect records the new socket's presence and publishes the user.online
// edge when this socket takes the user from zero live sockets to one.
//
// The before-state is read first and the registration written after, so two
// sockets of the same user racing through connect can both observe
// wasOnline=false and publish the edge twice. Duplicate online edges are
// harmless to badge consumers; a missed edge is not.
func (g *Gateway) onConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	metrics.ConnectionsTotal.Inc()

	wasOnline, err := g.registry.IsOnline(ctx, c.UserID)
	if err != nil {
		log.Printf("gateway: presence lookup user=%s: %v", c.UserID, err)
	}

	if err := g.registry.AddConnection(ctx, c.UserID, c.ID); err != nil {
		// The socket stays up; the next heartbeat refresh retries nothing,
		// but a reconnect re-registers. Presence is degraded, not fatal.
		log.Printf("gateway: presence register user=%s socket=%s: %v", c.UserID, c.ID, err)
	}

	g.hub.Join(c)
	metrics.LocalUsers.Set(float64(g.hub.UserCount()))

	if !wasOnline {
		g.publishPresenceEdge(ctx, bus.KeyUserOnline, c.UserID, "online")
	}
}

// onDisconnect releases the socket's presence registration and publishes the
// user.offline edge when no live socket remains anywhere in the fleet.
func (g *Gateway) onDisconnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	metrics.ConnectionsTotal.Dec()
	g.hub.Leave(c)
	metrics.LocalUsers.Set(float64(g.hub.UserCount()))

	if err := g.registry.RemoveConnection(ctx, c.UserID, c.ID); err != nil {
		log.Printf("gateway: presence release user=%s socket=%s: %v", c.UserID, c.ID, err)
	}

	stillOnline, err := g.registry.IsOnline(ctx, c.UserID)
	if err != nil {
		log.Printf("gateway: presence lookup user=%s: %v", c.UserID, err)
		return
	}
	if !stillOnline {
		g.publishPresenceEdge(ctx, bus.KeyUserOffline, c.UserID, "offline")
	}
}

// onActivity refreshes the socket's presence lease. Any frame counts,
// heartbeat pongs included, so a healthy socket never expires out of the
// registry.
func (g *Gateway) onActivity(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	if err := g.registry.Refresh(ctx, c.ID); err != nil {
		log.Printf("gateway: presence refresh socket=%s: %v", c.ID, err)
	}
}

func (g *Gateway) publishPresenceEdge(ctx context.Context, routingKey, userID, direction string) {
	ev := bus.PresenceEvent{UserID: userID, At: time.Now().UTC()}
	if err := g.bus.Publish(ctx, bus.ExchangeRealtime, routingKey, ev); err != nil {
		log.Printf("gateway: publish %s edge user=%s: %v", direction, userID, err)
		return
	}
	metrics.PresenceTransitions.WithLabelValues(direction).Inc()
}

// handleMessageCreate accepts a client submission, validates and throttles
// it, and hands it to the ingestion pipeline via the durable chat.events
// queue. The socket gets no synchronous reply; the ack arrives later as a
// message:ack delivery event.
func (g *Gateway) handleMessageCreate(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MessageCreate)
	if !ok {
		return
	}

	if err := protocol.ValidateMessageCreate(m); err != nil {
		g.sendError(conn, m, "validation_error", err.Error(), false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	allowed, _ := g.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage)
	if !allowed {
		g.sendError(conn, m, "rate_limited", "too many messages, slow down", true)
		return
	}

	send := bus.MessageSend{
		ConversationID:  m.ConversationID,
		SenderID:        conn.UserID,
		ClientMessageID: m.ClientMessageID,
		Type:            m.Type,
		Content:         m.Content,
		Medias:          toMediaItems(m.Media),
	}
	if err := g.bus.Publish(ctx, bus.ExchangeChat, bus.KeyMessageSend, send); err != nil {
		log.Printf("gateway: enqueue submission user=%s client_message_id=%s: %v",
			conn.UserID, m.ClientMessageID, err)
		g.sendError(conn, m, "transient_infra", "could not accept message, retry", true)
	}
}

// sendError pushes a message:error event directly to the submitting socket,
// correlated by clientMessageId so the client can resolve its pending send.
func (g *Gateway) sendError(conn *ws.Connection, m protocol.MessageCreate, code, message string, retryable bool) {
	data, err := protocol.NewServerMessage(protocol.EventMessageError, protocol.MessageError{
		ClientMessageID: m.ClientMessageID,
		ConversationID:  m.ConversationID,
		Code:            code,
		Message:         message,
		Retryable:       retryable,
	})
	if err != nil {
		log.Printf("gateway: build error event socket=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: send error event socket=%s: %v", conn.ID, err)
	}
}

func toMediaItems(refs []protocol.MediaRef) []bus.MediaItem {
	if len(refs) == 0 {
		return nil
	}
	items := make([]bus.MediaItem, len(refs))
	for i, r := range refs {
		items[i] = bus.MediaItem{URL: r.URL, MimeType: r.MimeType, Size: r.Size}
	}
	return items
}
