package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Booker books one slot with the external scheduling system.
type Booker interface {
	Book(ctx context.Context, slot SlotOffer) (BookingResult, error)
}

// SlotRefiner proposes a new offer round from a free-text preference such as
// "anything friday afternoon".
type SlotRefiner interface {
	Refine(ctx context.Context, conv *Conversation, preference string) ([]SlotOffer, error)
}

// Escalator hands a conversation to staff.
type Escalator interface {
	Escalate(ctx context.Context, conv *Conversation) error
}

// EventPublisher delivers lifecycle events to the workflow that started the
// conversation.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Metrics receives engine counters. metrics.ConversationMetrics satisfies it.
type Metrics interface {
	ObserveTransition(from, to string)
	ObserveOutbound(provider, status string)
	ObserveBooking(outcome string)
	ObserveSweep(outcome string)
}

const (
	EventCompleted       = "conversation.completed"
	EventRefineRequested = "conversation.refine_requested"
)

// Event is published when a conversation reaches a terminal state or when the
// recipient asks for different slots and no SlotRefiner is configured.
type Event struct {
	ID                 string     `json:"event_id"`
	Type               string     `json:"type"`
	ConversationID     string     `json:"conversation_id"`
	DestinationAddress string     `json:"destination_address"`
	State              State      `json:"state"`
	SelectedSlot       *SlotOffer `json:"selected_slot,omitempty"`
	BookingReference   string     `json:"booking_reference,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	Escalated          bool       `json:"escalated,omitempty"`
	Preference         string     `json:"preference,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
}

func newEvent(eventType string, conv *Conversation, at time.Time) Event {
	ev := Event{
		ID:                 uuid.NewString(),
		Type:               eventType,
		ConversationID:     conv.ID,
		DestinationAddress: conv.DestinationAddress,
		State:              conv.State,
		FailureReason:      conv.FailureReason,
		Escalated:          conv.Escalated,
		Preference:         conv.PendingRefinement,
		OccurredAt:         at,
	}
	if slot, ok := conv.SelectedSlot(); ok {
		ev.SelectedSlot = &slot
	}
	if conv.BookingResult != nil {
		ev.BookingReference = conv.BookingResult.Reference
	}
	return ev
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string, string) {}
func (noopMetrics) ObserveOutbound(string, string)   {}
func (noopMetrics) ObserveBooking(string)            {}
func (noopMetrics) ObserveSweep(string)              {}
