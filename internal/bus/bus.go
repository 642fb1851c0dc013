// Package bus provides the topic event bus every service uses to exchange
// typed events without direct RPC coupling. It wraps NATS JetStream: an
// exchange maps to a stream, routing keys are dot-delimited subject suffixes,
// and each logical service declares its own durable queue so a crashed
// service resumes consuming undelivered events on restart.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Exchanges in use across the platform.
const (
	ExchangeUser     = "user.events"
	ExchangeRealtime = "realtime.events"
	ExchangeCall     = "call.events"
	ExchangeChat     = "chat.events"
)

// AckMode selects the acknowledgment discipline for a subscription.
type AckMode int

const (
	// AutoAck is for best-effort handlers (e.g. socket relay): the message
	// counts as delivered regardless of handler outcome; errors are logged.
	AutoAck AckMode = iota

	// ManualAck is for handlers with external side effects: the message is
	// acknowledged only after the handler returns nil. Errors trigger
	// redelivery with backoff, bounded by MaxDeliver attempts.
	ManualAck
)

// MaxDeliver bounds redelivery of a message under ManualAck. After this many
// failed attempts the broker stops redelivering (dead-letter policy).
const MaxDeliver = 5

// nakDelay is the redelivery backoff applied when a manual-ack handler fails.
const nakDelay = 2 * time.Second

// Envelope is the unit of transit on the bus as seen by a handler.
type Envelope struct {
	Exchange   string
	RoutingKey string
	Data       []byte
	Attempt    uint64 // delivery attempt, 1 on first delivery
}

// Handler processes one envelope. Under ManualAck a non-nil error causes
// redelivery; under AutoAck it is logged only.
type Handler func(ctx context.Context, env Envelope) error

// Config holds bus connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-backend",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus is the topic event bus backed by NATS JetStream.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu      sync.Mutex
	subs    []*nats.Subscription
	streams map[string]bool // exchanges whose stream is known to exist
}

// Connect dials NATS, initializes the JetStream context, and returns a ready
// Bus. It returns an error if the initial connection fails; reconnects after
// that are handled by the client.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("bus: disconnected: %v", err)
			} else {
				log.Printf("bus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("bus: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("bus: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	log.Printf("bus: connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn:    nc,
		js:      js,
		streams: make(map[string]bool),
	}, nil
}

// ensureStream declares the JetStream stream backing an exchange if it does
// not exist yet. Stream names cannot contain dots, so "chat.events" becomes
// "chat_events". Declaration is idempotent across service instances.
func (b *Bus) ensureStream(exchange string) error {
	b.mu.Lock()
	known := b.streams[exchange]
	b.mu.Unlock()
	if known {
		return nil
	}

	name := StreamName(exchange)
	_, err := b.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{exchange + ".>"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		})
		// Another instance may have created it between the check and the add.
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("bus: ensure stream for %s: %w", exchange, err)
	}

	b.mu.Lock()
	b.streams[exchange] = true
	b.mu.Unlock()
	return nil
}

// Publish marshals payload to JSON and publishes it on the exchange under
// the given routing key. Delivery is at-least-once to every durable queue
// bound to a matching pattern; from the caller's perspective this is
// fire-and-forget once the broker has accepted the message.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	if err := b.ensureStream(exchange); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s:%s payload: %w", exchange, routingKey, err)
	}

	subject := exchange + "." + routingKey
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe declares (or reuses) a durable queue named queueName bound to
// the routing pattern on the exchange, and registers handler as a competing
// consumer. Multiple service instances subscribing with the same queueName
// split the messages between them; each envelope is processed by exactly one
// instance.
//
// Pattern wildcards: "*" matches exactly one dot-delimited token, "#"
// matches the remaining tokens and must be last.
func (b *Bus) Subscribe(exchange, pattern, queueName string, mode AckMode, handler Handler) error {
	subject, err := PatternSubject(exchange, pattern)
	if err != nil {
		return err
	}
	if err := b.ensureStream(exchange); err != nil {
		return err
	}

	durable := DurableName(queueName)

	cb := func(m *nats.Msg) {
		env := Envelope{
			Exchange:   exchange,
			RoutingKey: strings.TrimPrefix(m.Subject, exchange+"."),
			Data:       m.Data,
		}
		if meta, err := m.Metadata(); err == nil {
			env.Attempt = meta.NumDelivered
		}

		err := handler(context.Background(), env)

		if mode == AutoAck {
			if err != nil {
				log.Printf("bus: handler error on %s (auto-ack, dropped): %v", m.Subject, err)
			}
			return
		}

		if err != nil {
			if env.Attempt >= MaxDeliver {
				log.Printf("bus: handler error on %s after %d attempts, dead-lettering: %v",
					m.Subject, env.Attempt, err)
				_ = m.Term()
				return
			}
			log.Printf("bus: handler error on %s attempt=%d, redelivering: %v",
				m.Subject, env.Attempt, err)
			_ = m.NakWithDelay(nakDelay)
			return
		}
		_ = m.Ack()
	}

	opts := []nats.SubOpt{
		nats.Durable(durable),
		nats.DeliverNew(),
		nats.MaxDeliver(MaxDeliver),
		nats.AckWait(30 * time.Second),
	}
	if mode == ManualAck {
		// prefetch=1: per-queue ordering with a single active consumer.
		opts = append(opts, nats.ManualAck(), nats.MaxAckPending(1))
	}

	sub, err := b.js.QueueSubscribe(subject, durable, cb, opts...)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s queue=%s: %w", subject, queueName, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	log.Printf("bus: queue %q bound to %s (mode=%v)", queueName, subject, mode)
	return nil
}

// Close drains all subscriptions and the underlying connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("bus: drain subscription: %v", err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		log.Printf("bus: connection drain: %v", err)
	}
	log.Printf("bus: closed")
}
