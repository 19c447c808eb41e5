package conversation

import (
	"slices"
	"time"
)

// State is a conversation lifecycle state.
type State string

const (
	StateCreated          State = "CREATED"
	StateSent             State = "SENT"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateSelecting        State = "SELECTING"
	StateBooked           State = "BOOKED"
	StateDeclined         State = "DECLINED"
	StateExpired          State = "EXPIRED"
	StateFailed           State = "FAILED"
)

// TerminalStates lists the states no conversation ever leaves.
var TerminalStates = []State{StateBooked, StateDeclined, StateExpired, StateFailed}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return slices.Contains(TerminalStates, s)
}

// SlotOffer is one candidate appointment. Attributes are carried verbatim and
// never interpreted by the engine.
type SlotOffer struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DisplayLabel is the text shown to the recipient.
func (s SlotOffer) DisplayLabel() string {
	if s.Label != "" {
		return s.Label
	}
	return s.ID
}

// OfferRound is one set of slots sent to the recipient. A round is never
// modified after it is appended.
type OfferRound struct {
	Slots  []SlotOffer `json:"slots"`
	SentAt time.Time   `json:"sent_at,omitzero"`
}

// SendStatus is the outcome of one outbound send attempt.
type SendStatus string

const (
	SendQueued SendStatus = "queued"
	SendSent   SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

// OutboundMessage records one offer send attempt.
type OutboundMessage struct {
	ConversationID     string     `json:"conversation_id"`
	ProviderName       string     `json:"provider_name"`
	Body               string     `json:"body"`
	SendAttemptID      string     `json:"send_attempt_id"`
	Status             SendStatus `json:"status"`
	ProviderResponseID string     `json:"provider_response_id,omitempty"`
	Attempts           int        `json:"attempts"`
	Error              string     `json:"error,omitempty"`
	SentAt             time.Time  `json:"sent_at"`
}

// BookingResult is what the booking collaborator reported.
type BookingResult struct {
	Success     bool      `json:"success"`
	Reference   string    `json:"booking_reference,omitempty"`
	ErrorKind   string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Transition is one entry of the audit trail.
type Transition struct {
	From  State     `json:"from,omitempty"`
	To    State     `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Conversation is the persisted state of one offer-to-resolution exchange.
type Conversation struct {
	ID                 string            `json:"conversation_id"`
	DestinationAddress string            `json:"destination_address"`
	Rounds             []OfferRound      `json:"rounds"`
	State              State             `json:"state"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"last_updated_at"`
	ExpiresAt          time.Time         `json:"expires_at,omitzero"`
	DueAt              time.Time         `json:"due_at,omitzero"`
	AttemptCount       int               `json:"attempt_count"`
	SelectedSlotIndex  *int              `json:"selected_slot_index,omitempty"`
	BookingResult      *BookingResult    `json:"booking_result,omitempty"`
	Version            int64             `json:"version"`
	Outbound           []OutboundMessage `json:"outbound,omitempty"`
	ProcessedReplies   []string          `json:"processed_replies,omitempty"`
	Transitions        []Transition      `json:"transitions,omitempty"`
	LastReply          string            `json:"last_reply,omitempty"`
	PendingRefinement  string            `json:"pending_refinement,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	Escalated          bool              `json:"escalated,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// OfferedSlots returns the slots of the most recent round.
func (c *Conversation) OfferedSlots() []SlotOffer {
	if c == nil || len(c.Rounds) == 0 {
		return nil
	}
	return c.Rounds[len(c.Rounds)-1].Slots
}

// SelectedSlot returns the chosen slot, if any.
func (c *Conversation) SelectedSlot() (SlotOffer, bool) {
	if c == nil || c.SelectedSlotIndex == nil {
		return SlotOffer{}, false
	}
	slots := c.OfferedSlots()
	k := *c.SelectedSlotIndex
	if k < 1 || k > len(slots) {
		return SlotOffer{}, false
	}
	return slots[k-1], true
}

// HasProcessed reports whether the inbound provider message id was applied.
func (c *Conversation) HasProcessed(providerMessageID string) bool {
	if providerMessageID == "" {
		return false
	}
	return slices.Contains(c.ProcessedReplies, providerMessageID)
}

// Expired reports whether an awaiting conversation has outlived its TTL.
func (c *Conversation) Expired(now time.Time) bool {
	return c.State == StateAwaitingResponse && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Conversation) moveTo(to State, event string, at time.Time) {
	c.Transitions = append(c.Transitions, Transition{From: c.State, To: to, Event: event, At: at})
	c.State = to
	c.UpdatedAt = at
	if to.Terminal() {
		c.DueAt = time.Time{}
	}
}

func (c *Conversation) markProcessed(providerMessageID string) {
	if providerMessageID == "" || c.HasProcessed(providerMessageID) {
		return
	}
	c.ProcessedReplies = append(c.ProcessedReplies, providerMessageID)
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Rounds = make([]OfferRound, len(c.Rounds))
	for i, r := range c.Rounds {
		out.Rounds[i] = OfferRound{SentAt: r.SentAt, Slots: cloneSlots(r.Slots)}
	}
	if c.SelectedSlotIndex != nil {
		k := *c.SelectedSlotIndex
		out.SelectedSlotIndex = &k
	}
	if c.BookingResult != nil {
		br := *c.BookingResult
		out.BookingResult = &br
	}
	out.Outbound = slices.Clone(c.Outbound)
	out.ProcessedReplies = slices.Clone(c.ProcessedReplies)
	out.Transitions = slices.Clone(c.Transitions)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneSlots(in []SlotOffer) []SlotOffer {
	if in == nil {
		return nil
	}
	out := make([]SlotOffer, len(in))
	for i, s := range in {
		out[i] = s
		if s.Attributes != nil {
			out[i].Attributes = make(map[string]string, len(s.Attributes))
			for k, v := range s.Attributes {
				out[i].Attributes[k] = v
			}
		}
	}
	return out
}
