package gateway

import (
	"context"
	"fmt"
	"log"

	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/protocol"
)

// startRelay binds this instance's bus subscriptions. Queue names carry the
// instance ID: delivery events are not work-shared, every gateway must see
// every event to serve its own local sockets. Both subscriptions are
// auto-ack; a socket that missed an event because it was disconnected gets
// current state on reconnect, so redelivery buys nothing.
func (g *Gateway) startRelay() error {
	// "realtime.*" covers both realtime.emitEvent and realtime.sendMessage;
	// the two carry the same targeted-emit payload and relay identically.
	relayQueue := fmt.Sprintf("gateway.%s.relay", g.cfg.InstanceID)
	if err := g.bus.Subscribe(bus.ExchangeRealtime, "realtime.*", relayQueue, bus.AutoAck, g.handleEmitEvent); err != nil {
		return fmt.Errorf("gateway: bind relay subscription: %w", err)
	}

	presenceQueue := fmt.Sprintf("gateway.%s.presence", g.cfg.InstanceID)
	if err := g.bus.Subscribe(bus.ExchangeRealtime, "user.*", presenceQueue, bus.AutoAck, g.handlePresenceEvent); err != nil {
		return fmt.Errorf("gateway: bind presence subscription: %w", err)
	}

	return nil
}

// handleEmitEvent relays one targeted delivery event to the local sockets of
// its listed users. The payload passes through untouched; the gateway does
// not reinterpret what the ingestion pipeline (or any other producer) built.
func (g *Gateway) handleEmitEvent(_ context.Context, env bus.Envelope) error {
	payload, err := bus.Decode(env)
	if err != nil {
		return fmt.Errorf("gateway: decode emit event: %w", err)
	}
	ev, ok := payload.(bus.EmitEvent)
	if !ok {
		return fmt.Errorf("gateway: unexpected payload %T on %s", payload, env.RoutingKey)
	}

	if len(ev.UserIDs) == 0 {
		log.Printf("gateway: emit event %q with no targets, dropped", ev.Event)
		return nil
	}

	g.hub.SendToUsers(ev.UserIDs, ev.Event, ev.Data)
	return nil
}

// handlePresenceEvent converts user.online / user.offline edges into the
// client-facing presence badge events and broadcasts them to all local
// sockets. Other user.* routing keys on the exchange are not for this
// consumer and are skipped.
func (g *Gateway) handlePresenceEvent(_ context.Context, env bus.Envelope) error {
	var event string
	switch env.RoutingKey {
	case bus.KeyUserOnline:
		event = protocol.EventUserOnline
	case bus.KeyUserOffline:
		event = protocol.EventUserOffline
	default:
		return nil
	}

	g.hub.Broadcast(event, env.Data)
	return nil
}
