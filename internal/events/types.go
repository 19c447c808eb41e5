package events

import (
	"time"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
)

// ConversationCompletedV1 is emitted once per conversation, when it reaches
// a terminal state.
type ConversationCompletedV1 struct {
	ConversationID     string    `json:"conversation_id"`
	DestinationAddress string    `json:"destination_address"`
	State              string    `json:"state"`
	SelectedSlotID     string    `json:"selected_slot_id,omitempty"`
	SelectedSlotLabel  string    `json:"selected_slot_label,omitempty"`
	BookingReference   string    `json:"booking_reference,omitempty"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	Escalated          bool      `json:"escalated"`
	OccurredAt         time.Time `json:"occurred_at"`
}

func (ConversationCompletedV1) EventType() string {
	return "conversation.completed.v1"
}

// RefineRequestedV1 asks the invoking workflow for a new round of slots.
type RefineRequestedV1 struct {
	ConversationID     string    `json:"conversation_id"`
	DestinationAddress string    `json:"destination_address"`
	Preference         string    `json:"preference"`
	OccurredAt         time.Time `json:"occurred_at"`
}

func (RefineRequestedV1) EventType() string {
	return "conversation.refine_requested.v1"
}

// FromConversationEvent maps an engine event onto its versioned wire type.
func FromConversationEvent(ev conversation.Event) (CanonicalEvent, bool) {
	switch ev.Type {
	case conversation.EventCompleted:
		out := ConversationCompletedV1{
			ConversationID:     ev.ConversationID,
			DestinationAddress: ev.DestinationAddress,
			State:              string(ev.State),
			BookingReference:   ev.BookingReference,
			FailureReason:      ev.FailureReason,
			Escalated:          ev.Escalated,
			OccurredAt:         ev.OccurredAt,
		}
		if ev.SelectedSlot != nil {
			out.SelectedSlotID = ev.SelectedSlot.ID
			out.SelectedSlotLabel = ev.SelectedSlot.DisplayLabel()
		}
		return out, true
	case conversation.EventRefineRequested:
		return RefineRequestedV1{
			ConversationID:     ev.ConversationID,
			DestinationAddress: ev.DestinationAddress,
			Preference:         ev.Preference,
			OccurredAt:         ev.OccurredAt,
		}, true
	default:
		return nil, false
	}
}
