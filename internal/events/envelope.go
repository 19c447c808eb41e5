package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CanonicalEvent is a versioned payload that can travel in an Envelope.
type CanonicalEvent interface {
	EventType() string
}

// Envelope is the wire form of every outcome event. Consumers dedupe on
// EventID, which is stable across outbox redelivery.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	Aggregate     string          `json:"aggregate"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type EnvelopeOption func(*Envelope)

// WithEventID keeps an id minted upstream so retries publish the same event.
func WithEventID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) {
		if id != uuid.Nil {
			e.EventID = id
		}
	}
}

func WithOccurredAt(ts time.Time) EnvelopeOption {
	return func(e *Envelope) {
		if !ts.IsZero() {
			e.OccurredAt = ts.UTC()
		}
	}
}

func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = strings.TrimSpace(id) }
}

var (
	ErrMissingAggregate = errors.New("events: aggregate is required")
	ErrMissingEvent     = errors.New("events: event is required")

	clock = time.Now
)

// Wrap encodes evt into a new Envelope under aggregate.
func Wrap(aggregate string, evt CanonicalEvent, opts ...EnvelopeOption) (Envelope, error) {
	aggregate = strings.TrimSpace(aggregate)
	if aggregate == "" {
		return Envelope{}, ErrMissingAggregate
	}
	if evt == nil {
		return Envelope{}, ErrMissingEvent
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		return Envelope{}, fmt.Errorf("events: %T has no event type", evt)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	env := Envelope{
		EventID:    uuid.New(),
		EventType:  eventType,
		Aggregate:  aggregate,
		OccurredAt: clock().UTC(),
		Payload:    payload,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&env)
		}
	}
	return env, nil
}

// ParseEnvelope decodes a queued body and checks the required headers.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if env.EventID == uuid.Nil || env.EventType == "" || env.Aggregate == "" {
		return Envelope{}, fmt.Errorf("events: envelope missing id, type or aggregate")
	}
	return env, nil
}

// ConversationAggregate is the aggregate key for conversation events.
func ConversationAggregate(conversationID string) string {
	return "conversation:" + conversationID
}
