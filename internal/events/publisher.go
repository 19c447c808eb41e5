package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// Queue is the transport outcome envelopes are delivered on.
type Queue interface {
	Send(ctx context.Context, body string) error
}

// Publisher turns engine events into canonical envelopes. With an outbox the
// envelope is persisted and a Deliverer forwards it; otherwise it goes
// straight to the queue.
type Publisher struct {
	queue  Queue
	outbox *Outbox
	logger *logging.Logger
}

var _ conversation.EventPublisher = (*Publisher)(nil)

func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("events: queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// NewOutboxPublisher records envelopes in the outbox table.
func NewOutboxPublisher(outbox *Outbox, logger *logging.Logger) *Publisher {
	if outbox == nil {
		panic("events: outbox required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{outbox: outbox, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev conversation.Event) error {
	evt, ok := FromConversationEvent(ev)
	if !ok {
		p.logger.Warn("unknown conversation event dropped", "type", ev.Type, "conversation_id", ev.ConversationID)
		return nil
	}
	opts := []EnvelopeOption{WithOccurredAt(ev.OccurredAt), WithCorrelationID(ev.ConversationID)}
	if id, err := uuid.Parse(ev.ID); err == nil {
		opts = append(opts, WithEventID(id))
	}
	env, err := Wrap(ConversationAggregate(ev.ConversationID), evt, opts...)
	if err != nil {
		return err
	}
	if p.outbox != nil {
		return p.outbox.Append(ctx, env)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	if err := p.queue.Send(ctx, string(body)); err != nil {
		return err
	}
	p.logger.Debug("event published", "event_id", env.EventID, "type", env.EventType, "conversation_id", ev.ConversationID)
	return nil
}

// QueueDelivery forwards outbox records to a queue.
type QueueDelivery struct {
	Queue Queue
}

func (d QueueDelivery) Handle(ctx context.Context, rec OutboxRecord) error {
	return d.Queue.Send(ctx, string(rec.Payload))
}
