package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/loqui/chat-backend/internal/bus"
	"github.com/loqui/chat-backend/internal/metrics"
)

// QueueName is the durable queue all ingestion workers share. Instances
// compete for envelopes, so each submission is processed exactly once per
// delivery attempt.
const QueueName = "ingest.message-send"

// Subscriber is the slice of the bus the consumer binds through.
type Subscriber interface {
	Subscribe(exchange, pattern, queueName string, mode bus.AckMode, handler bus.Handler) error
}

// StartConsumer binds the pipeline to chat.events: message.send under
// manual acknowledgment. The envelope is acknowledged only after the
// pipeline's side effects committed, or after a terminal error event has
// been sent to the sender; transient failures are redelivered with backoff
// until the attempt bound is reached.
func StartConsumer(b Subscriber, svc *Service) error {
	return b.Subscribe(bus.ExchangeChat, bus.KeyMessageSend, QueueName, bus.ManualAck, func(ctx context.Context, env bus.Envelope) error {
		var req bus.MessageSend
		if err := json.Unmarshal(env.Data, &req); err != nil {
			// Malformed envelope: nobody to notify, nothing to retry.
			log.Printf("ingest: drop malformed message.send: %v", err)
			metrics.MessagesIngested.WithLabelValues("error").Inc()
			return nil
		}

		timer := metrics.NewIngestTimer()
		res, err := svc.CreateMessage(ctx, req)
		timer.Observe()

		if err == nil {
			if res.Duplicated {
				metrics.MessagesIngested.WithLabelValues("duplicate").Inc()
			} else {
				metrics.MessagesIngested.WithLabelValues("ok").Inc()
			}
			return nil
		}

		var perr *Error
		if !errors.As(err, &perr) {
			perr = &Error{Kind: KindFatal, Msg: "unclassified pipeline failure", Err: err}
		}
		metrics.MessagesIngested.WithLabelValues("error").Inc()

		if perr.Kind == KindTransient && env.Attempt < bus.MaxDeliver {
			// Let the broker redeliver; the idempotency key makes the
			// replay safe.
			return err
		}

		// Terminal: permanent failure, fatal, or retries exhausted. Tell
		// the sender and acknowledge so the envelope stops circulating.
		svc.EmitError(ctx, req, perr)
		return nil
	})
}
