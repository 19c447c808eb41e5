package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const (
	defaultTTL              = 24 * time.Hour
	defaultSelectingTimeout = 10 * time.Minute
	defaultSweepBatch       = 100
	defaultReplySettleWait  = 3 * time.Second
	raceBackoffBase         = 2 * time.Millisecond
	raceBackoffMax          = 50 * time.Millisecond
)

const (
	ReasonSendRejected       = "send_rejected"
	ReasonSendExhausted      = "send_retries_exhausted"
	ReasonAmbiguousExhausted = "ambiguous_replies_exhausted"
	ReasonStalled            = "stalled_before_delivery"
)

// RetryPolicy bounds the Machine's resend loop for transient provider errors.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// MachineConfig carries the tunables of the state machine.
type MachineConfig struct {
	TTL                 time.Duration
	MaxAmbiguousReplies int
	DeclineKeywords     []string
	// SelectingTimeout bounds how long a conversation may sit in CREATED,
	// SENT or SELECTING before the sweeper fails it.
	SelectingTimeout time.Duration
	SendRetry        RetryPolicy
	Prompts          Prompts
	// ReplySettleWait is how long a reply waits for an in-flight offer send
	// to land before ApplyReply gives up with ErrNotAwaitingReply.
	ReplySettleWait time.Duration
}

// StartRequest opens a conversation. ID is generated when empty.
type StartRequest struct {
	ID                 string
	DestinationAddress string
	Slots              []SlotOffer
	Metadata           map[string]string
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Examined int
	Expired  int
	Stalled  int
	Skipped  int
	Errors   int
}

// Machine owns every state transition. Waiting for a reply is persisted state;
// no goroutine is parked per conversation.
type Machine struct {
	store       Store
	gateway     gateway.Gateway
	coordinator *Coordinator
	interpreter Interpreter
	prompts     promptSet
	cfg         MachineConfig

	refiner   SlotRefiner
	events    EventPublisher
	escalator Escalator
	metrics   Metrics
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	logger    *logging.Logger
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

func WithRefiner(r SlotRefiner) MachineOption {
	return func(m *Machine) { m.refiner = r }
}

func WithEventPublisher(p EventPublisher) MachineOption {
	return func(m *Machine) { m.events = p }
}

func WithEscalator(e Escalator) MachineOption {
	return func(m *Machine) { m.escalator = e }
}

func WithMetrics(metrics Metrics) MachineOption {
	return func(m *Machine) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleeper replaces the backoff wait between send attempts.
func WithSleeper(sleep func(context.Context, time.Duration) error) MachineOption {
	return func(m *Machine) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func NewMachine(store Store, gw gateway.Gateway, coordinator *Coordinator, cfg MachineConfig, logger *logging.Logger, opts ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, errors.New("conversation: store required")
	}
	if gw == nil {
		return nil, errors.New("conversation: gateway required")
	}
	if coordinator == nil {
		return nil, errors.New("conversation: coordinator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SelectingTimeout <= 0 {
		cfg.SelectingTimeout = defaultSelectingTimeout
	}
	if cfg.ReplySettleWait <= 0 {
		cfg.ReplySettleWait = defaultReplySettleWait
	}
	if cfg.SendRetry.MaxAttempts <= 0 {
		cfg.SendRetry.MaxAttempts = 1
	}
	if cfg.SendRetry.BaseDelay <= 0 {
		cfg.SendRetry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.SendRetry.MaxDelay < cfg.SendRetry.BaseDelay {
		cfg.SendRetry.MaxDelay = 8 * cfg.SendRetry.BaseDelay
	}
	prompts, err := compilePrompts(cfg.Prompts)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		store:       store,
		gateway:     gw,
		coordinator: coordinator,
		interpreter: NewInterpreter(cfg.MaxAmbiguousReplies, cfg.DeclineKeywords),
		prompts:     prompts,
		cfg:         cfg,
		metrics:     noopMetrics{},
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Interpreter exposes the configured reply interpreter.
func (m *Machine) Interpreter() Interpreter { return m.interpreter }

func (m *Machine) clock() time.Time { return m.now().UTC() }

// Start creates a conversation, sends the first offer and leaves the
// conversation in AWAITING_RESPONSE, or FAILED when the send cannot be made.
// Delivery failures are reported through the returned state, not the error.
func (m *Machine) Start(ctx context.Context, req StartRequest) (*Conversation, error) {
	addr := gateway.NormalizeAddress(req.DestinationAddress)
	if addr == "" {
		return nil, fmt.Errorf("%w: destination address required", ErrInvalidRequest)
	}
	if err := validateSlots(req.Slots); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.clock()
	conv := &Conversation{
		ID:                 id,
		DestinationAddress: addr,
		Rounds:             []OfferRound{{Slots: cloneSlots(req.Slots)}},
		State:              StateCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
		DueAt:              now.Add(m.cfg.SelectingTimeout),
		Version:            1,
		Transitions:        []Transition{{To: StateCreated, Event: "created", At: now}},
	}
	if len(req.Metadata) > 0 {
		conv.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			conv.Metadata[k] = v
		}
	}
	if err := m.store.Create(ctx, conv); err != nil {
		return nil, err
	}
	m.metrics.ObserveTransition("", string(StateCreated))
	m.logger.Info("conversation created", "conversation_id", conv.ID, "slots", len(req.Slots))
	return m.deliverOffer(ctx, conv)
}

// Get returns the conversation, expiring it first when its TTL has passed.
func (m *Machine) Get(ctx context.Context, id string) (*Conversation, error) {
	conv, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Expired(m.clock()) {
		return m.expire(ctx, conv)
	}
	return conv, nil
}

// Expire moves an awaiting conversation past its TTL to EXPIRED. Calling it
// on any other conversation returns the record unchanged.
func (m *Machine) Expire(ctx context.Context, id string) (*Conversation, error) {
	return m.Get(ctx, id)
}

func (m *Machine) expire(ctx context.Context, conv *Conversation) (*Conversation, error) {
	now := m.clock()
	next, won, err := m.update(ctx, conv, func(c *Conversation) error {
		if !c.Expired(now) {
			return errStale
		}
		c.moveTo(StateExpired, "ttl_elapsed", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if won {
		m.logger.Info("conversation expired", "conversation_id", conv.ID)
	}
	return next, nil
}

// ApplyReply applies one inbound reply. Duplicates, replies to closed
// conversations and replies during SELECTING are logged no-ops. A lost race
// is re-evaluated against the fresh record until it applies or becomes a
// no-op, so version conflicts never reach the caller. A reply that lands
// while the offer is still being sent waits up to ReplySettleWait and then
// returns ErrNotAwaitingReply so the message is not marked processed.
func (m *Machine) ApplyReply(ctx context.Context, id string, msg gateway.InboundMessage) (*Conversation, error) {
	var settled time.Duration
	for attempt := 0; ; attempt++ {
		conv, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		pending := inFlight(conv) && !conv.HasProcessed(msg.ProviderMessageID)
		if pending {
			if settled >= m.cfg.ReplySettleWait {
				m.logger.Warn("reply arrived before the offer was delivered", "conversation_id", id, "state", conv.State)
				return conv, fmt.Errorf("conversation: apply reply %s: %w", id, ErrNotAwaitingReply)
			}
		} else {
			next, done, err := m.applyReply(ctx, conv, msg)
			if err != nil || done {
				return next, err
			}
		}
		waited, err := raceBackoff(ctx, attempt)
		if err != nil {
			return nil, fmt.Errorf("conversation: apply reply %s: %w", id, err)
		}
		if pending {
			settled += waited
		}
	}
}

// inFlight reports whether an offer send is between the provider call and
// the write that opens the reply window.
func inFlight(c *Conversation) bool {
	return c.State == StateCreated || c.State == StateSent
}

// raceBackoff pauses a jittered, growing interval before a record that
// changed underneath the caller is read again.
func raceBackoff(ctx context.Context, attempt int) (time.Duration, error) {
	d := raceBackoffBase << min(attempt, 5)
	if d > raceBackoffMax {
		d = raceBackoffMax
	}
	d = d/2 + rand.N(d/2+1)
	return d, sleepContext(ctx, d)
}

// applyReply returns done=false when it lost a race and the reply must be
// evaluated again against the current record.
func (m *Machine) applyReply(ctx context.Context, conv *Conversation, msg gateway.InboundMessage) (*Conversation, bool, error) {
	log := m.logger.With("conversation_id", conv.ID, "provider_message_id", msg.ProviderMessageID)
	switch {
	case conv.HasProcessed(msg.ProviderMessageID):
		log.Info("duplicate reply ignored")
		return conv, true, nil
	case conv.State.Terminal():
		log.Info("reply to closed conversation ignored", "state", conv.State)
		return conv, true, nil
	case conv.State != StateAwaitingResponse:
		log.Info("reply while no answer is expected ignored", "state", conv.State)
		return conv, true, nil
	}

	intent := m.interpreter.Interpret(msg.Body, conv.OfferedSlots(), conv.AttemptCount)
	log.Info("reply interpreted", "intent", intent.Kind, "attempt_count", conv.AttemptCount)
	switch intent.Kind {
	case IntentSelectSlot:
		return m.selectSlot(ctx, conv, msg, intent.Index)
	case IntentDecline:
		return m.decline(ctx, conv, msg)
	case IntentRefine:
		return m.refine(ctx, conv, msg, intent.Text)
	default:
		return m.unrecognized(ctx, conv, msg)
	}
}

// acceptReply guards every reply mutation: the conversation must still be
// awaiting and must not have seen this provider message.
func acceptReply(c *Conversation, msg gateway.InboundMessage) error {
	if c.State != StateAwaitingResponse || c.HasProcessed(msg.ProviderMessageID) {
		return errStale
	}
	c.markProcessed(msg.ProviderMessageID)
	c.LastReply = msg.Body
	return nil
}

func (m *Machine) selectSlot(ctx context.Context, conv *Conversation, msg gateway.InboundMessage, k int) (*Conversation, bool, error) {
	now := m.clock()
	next, won, err := m.update(ctx, conv, func(c *Conversation) error {
		if err := acceptReply(c, msg); err != nil {
			return err
		}
		idx := k
		c.SelectedSlotIndex = &idx
		c.DueAt = now.Add(m.cfg.SelectingTimeout)
		c.moveTo(StateSelecting, "slot_selected", now)
		return nil
	})
	if err != nil || !won {
		return next, false, err
	}
	final, err := m.complete(ctx, next)
	return final, true, err
}

// complete runs the booking for a conversation this caller moved into
// SELECTING. Only the winner of that transition gets here, so the booker is
// called at most once per conversation.
func (m *Machine) complete(ctx context.Context, conv *Conversation) (*Conversation, error) {
	res := m.coordinator.Complete(ctx, conv)
	if res.State == StateBooked {
		m.metrics.ObserveBooking("booked")
	} else {
		m.metrics.ObserveBooking(res.Reason)
	}
	wctx := context.WithoutCancel(ctx)
	now := m.clock()
	final, won, err := m.update(wctx, conv, func(c *Conversation) error {
		if c.State != StateSelecting {
			return errStale
		}
		res.apply(c, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		m.logger.Warn("booking outcome lost race", "conversation_id", conv.ID, "state", final.State)
		return final, nil
	}
	if final.State == StateBooked {
		m.notify(wctx, final, promptBooked)
	} else {
		m.notify(wctx, final, promptBookingFailed)
	}
	return final, nil
}

func (m *Machine) decline(ctx context.Context, conv *Conversation, msg gateway.InboundMessage) (*Conversation, bool, error) {
	now := m.clock()
	next, won, err := m.update(ctx, conv, func(c *Conversation) error {
		if err := acceptReply(c, msg); err != nil {
			return err
		}
		c.moveTo(StateDeclined, "declined", now)
		return nil
	})
	if err != nil || !won {
		return next, false, err
	}
	m.notify(ctx, next, promptDeclined)
	return next, true, nil
}

func (m *Machine) refine(ctx context.Context, conv *Conversation, msg gateway.InboundMessage, preference string) (*Conversation, bool, error) {
	var slots []SlotOffer
	if m.refiner != nil {
		proposed, err := m.refiner.Refine(ctx, conv, preference)
		switch {
		case err != nil:
			m.logger.Warn("slot refiner failed", "conversation_id", conv.ID, "error", err)
		case validateSlots(proposed) != nil:
			m.logger.Warn("slot refiner returned no usable slots", "conversation_id", conv.ID)
		default:
			slots = cloneSlots(proposed)
		}
	}

	now := m.clock()
	if slots != nil {
		next, won, err := m.update(ctx, conv, func(c *Conversation) error {
			if err := acceptReply(c, msg); err != nil {
				return err
			}
			c.AttemptCount++
			c.PendingRefinement = ""
			c.Rounds = append(c.Rounds, OfferRound{Slots: cloneSlots(slots)})
			c.DueAt = now.Add(m.cfg.SelectingTimeout)
			c.moveTo(StateSent, "refined", now)
			return nil
		})
		if err != nil || !won {
			return next, false, err
		}
		final, err := m.deliverOffer(ctx, next)
		return final, true, err
	}

	next, won, err := m.update(ctx, conv, func(c *Conversation) error {
		if err := acceptReply(c, msg); err != nil {
			return err
		}
		c.AttemptCount++
		c.PendingRefinement = preference
		c.moveTo(StateAwaitingResponse, "refine_requested", now)
		return nil
	})
	if err != nil || !won {
		return next, false, err
	}
	m.publish(ctx, newEvent(EventRefineRequested, next, now))
	m.notify(ctx, next, promptRefineAck)
	return next, true, nil
}

func (m *Machine) unrecognized(ctx context.Context, conv *Conversation, msg gateway.InboundMessage) (*Conversation, bool, error) {
	now := m.clock()
	if conv.AttemptCount < m.interpreter.MaxAmbiguous() {
		next, won, err := m.update(ctx, conv, func(c *Conversation) error {
			if err := acceptReply(c, msg); err != nil {
				return err
			}
			c.AttemptCount++
			c.moveTo(StateAwaitingResponse, "clarification_requested", now)
			return nil
		})
		if err != nil || !won {
			return next, false, err
		}
		m.notify(ctx, next, promptClarify)
		return next, true, nil
	}

	next, won, err := m.update(ctx, conv, func(c *Conversation) error {
		if err := acceptReply(c, msg); err != nil {
			return err
		}
		c.FailureReason = ReasonAmbiguousExhausted
		c.Escalated = true
		c.moveTo(StateFailed, ReasonAmbiguousExhausted, now)
		return nil
	})
	if err != nil || !won {
		return next, false, err
	}
	m.notify(ctx, next, promptEscalated)
	return next, true, nil
}

// Reoffer sends a new round of slots to a conversation awaiting a reply,
// typically after a refine_requested event.
func (m *Machine) Reoffer(ctx context.Context, id string, slots []SlotOffer) (*Conversation, error) {
	if err := validateSlots(slots); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		conv, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.State.Terminal() {
			return conv, ErrClosed
		}
		if conv.State != StateAwaitingResponse {
			return conv, ErrNotAwaitingReply
		}
		now := m.clock()
		next, won, err := m.update(ctx, conv, func(c *Conversation) error {
			if c.State != StateAwaitingResponse {
				return errStale
			}
			c.PendingRefinement = ""
			c.Rounds = append(c.Rounds, OfferRound{Slots: cloneSlots(slots)})
			c.DueAt = now.Add(m.cfg.SelectingTimeout)
			c.moveTo(StateSent, "reoffered", now)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if won {
			return m.deliverOffer(ctx, next)
		}
		if _, err := raceBackoff(ctx, attempt); err != nil {
			return nil, fmt.Errorf("conversation: reoffer %s: %w", id, err)
		}
	}
}

// deliverOffer sends the latest round of a CREATED or SENT conversation and
// records the outcome: AWAITING_RESPONSE on success, FAILED otherwise.
func (m *Machine) deliverOffer(ctx context.Context, conv *Conversation) (*Conversation, error) {
	body, err := m.prompts.render(promptOffer, conv)
	if err != nil {
		return nil, err
	}
	from := conv.State
	out, sendErr := m.send(ctx, conv.ID, conv.DestinationAddress, body)

	// The outcome is recorded even if the caller has gone away.
	wctx := context.WithoutCancel(ctx)
	now := m.clock()
	next, won, err := m.update(wctx, conv, func(c *Conversation) error {
		if c.State != from {
			return errStale
		}
		c.Outbound = append(c.Outbound, out)
		if sendErr != nil {
			reason := ReasonSendExhausted
			if gateway.IsPermanent(sendErr) {
				reason = ReasonSendRejected
			}
			c.FailureReason = reason
			c.moveTo(StateFailed, reason, now)
			return nil
		}
		c.Rounds[len(c.Rounds)-1].SentAt = out.SentAt
		if c.State == StateCreated {
			c.moveTo(StateSent, "offer_sent", now)
		}
		c.ExpiresAt = now.Add(m.cfg.TTL)
		c.DueAt = c.ExpiresAt
		c.moveTo(StateAwaitingResponse, "awaiting_reply", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !won {
		m.logger.Warn("offer delivery outcome lost race", "conversation_id", conv.ID, "state", next.State)
		return next, nil
	}
	if sendErr != nil {
		m.logger.Error("offer send failed", "conversation_id", conv.ID, "error", sendErr)
	}
	return next, nil
}

// Sweep expires awaiting conversations past their TTL and fails conversations
// stuck in an in-flight state. It is safe to run concurrently with replies and
// with other sweepers.
func (m *Machine) Sweep(ctx context.Context, limit int) (SweepReport, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}
	var report SweepReport
	ids, err := m.store.ListDue(ctx, m.clock(), limit)
	if err != nil {
		return report, fmt.Errorf("conversation: list due: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Examined++
		outcome, err := m.sweepOne(ctx, id)
		if err != nil {
			report.Errors++
			m.metrics.ObserveSweep("error")
			m.logger.Error("sweep failed", "conversation_id", id, "error", err)
			continue
		}
		m.metrics.ObserveSweep(outcome)
		switch outcome {
		case "expired":
			report.Expired++
		case "stalled":
			report.Stalled++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (m *Machine) sweepOne(ctx context.Context, id string) (string, error) {
	conv, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}
	now := m.clock()
	switch {
	case conv.Expired(now):
		_, won, err := m.update(ctx, conv, func(c *Conversation) error {
			if !c.Expired(now) {
				return errStale
			}
			c.moveTo(StateExpired, "ttl_elapsed", now)
			return nil
		})
		if err != nil || !won {
			return "skipped", err
		}
		return "expired", nil
	case stalled(conv, now):
		reason := ReasonStalled
		escalate := false
		if conv.State == StateSelecting {
			// The booker may or may not have been reached; never call it again.
			reason = ReasonBookingOutcomeUnknown
			escalate = true
		}
		from := conv.State
		_, won, err := m.update(ctx, conv, func(c *Conversation) error {
			if c.State != from || !stalled(c, now) {
				return errStale
			}
			c.FailureReason = reason
			c.Escalated = escalate
			c.moveTo(StateFailed, reason, now)
			return nil
		})
		if err != nil || !won {
			return "skipped", err
		}
		m.logger.Warn("in-flight conversation failed by sweeper", "conversation_id", id, "from", from, "reason", reason)
		return "stalled", nil
	default:
		return "skipped", nil
	}
}

func stalled(c *Conversation, now time.Time) bool {
	switch c.State {
	case StateCreated, StateSent, StateSelecting:
		return !c.DueAt.IsZero() && now.After(c.DueAt)
	default:
		return false
	}
}

// update wraps CompareAndUpdate. won is false when another writer got there
// first or the mutator found its precondition gone; next is then the freshly
// read record and the caller must not perform side effects.
func (m *Machine) update(ctx context.Context, conv *Conversation, mutate func(*Conversation) error) (*Conversation, bool, error) {
	next, err := m.store.CompareAndUpdate(ctx, conv.ID, conv.Version, mutate)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, errStale) {
			current, gerr := m.store.Get(ctx, conv.ID)
			if gerr != nil {
				return nil, false, gerr
			}
			return current, false, nil
		}
		return nil, false, err
	}
	for _, t := range next.Transitions[len(conv.Transitions):] {
		if t.From != t.To {
			m.metrics.ObserveTransition(string(t.From), string(t.To))
		}
	}
	if next.State.Terminal() && !conv.State.Terminal() {
		m.finish(context.WithoutCancel(ctx), next)
	}
	return next, true, nil
}

// finish runs the terminal side effects: outcome event and staff escalation.
func (m *Machine) finish(ctx context.Context, conv *Conversation) {
	m.logger.Info("conversation closed", "conversation_id", conv.ID, "state", conv.State, "reason", conv.FailureReason)
	m.publish(ctx, newEvent(EventCompleted, conv, m.clock()))
	if conv.Escalated && m.escalator != nil {
		if err := m.escalator.Escalate(ctx, conv); err != nil {
			m.logger.Error("escalation failed", "conversation_id", conv.ID, "error", err)
		}
	}
}

func (m *Machine) publish(ctx context.Context, ev Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Error("event publish failed", "conversation_id", ev.ConversationID, "type", ev.Type, "error", err)
	}
}

// notify sends an informational message. Notices are not part of the offer
// record; a failed notice is logged and does not change state.
func (m *Machine) notify(ctx context.Context, conv *Conversation, kind promptKind) {
	body, err := m.prompts.render(kind, conv)
	if err != nil {
		m.logger.Error("render notice failed", "conversation_id", conv.ID, "prompt", kind, "error", err)
		return
	}
	out, err := m.send(ctx, conv.ID, conv.DestinationAddress, body)
	if err != nil {
		m.logger.Warn("notice send failed", "conversation_id", conv.ID, "prompt", kind, "error", err)
		return
	}
	m.logger.Info("notice sent", "conversation_id", conv.ID, "prompt", kind, "provider_response_id", out.ProviderResponseID)
}

// send delivers body with bounded exponential backoff on transient errors.
// Permanent errors stop immediately.
func (m *Machine) send(ctx context.Context, conversationID, to, body string) (OutboundMessage, error) {
	out := OutboundMessage{
		ConversationID: conversationID,
		ProviderName:   m.gateway.Name(),
		Body:           body,
		SendAttemptID:  uuid.NewString(),
		Status:         SendQueued,
	}
	delay := m.cfg.SendRetry.BaseDelay
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		res, err := m.gateway.Send(ctx, to, body)
		if err == nil {
			out.Status = SendSent
			out.Error = ""
			out.ProviderResponseID = res.ProviderResponseID
			if res.Provider != "" {
				out.ProviderName = res.Provider
			}
			out.SentAt = m.clock()
			m.metrics.ObserveOutbound(out.ProviderName, string(SendSent))
			return out, nil
		}
		out.Error = err.Error()
		if !gateway.IsTransient(err) || attempt >= m.cfg.SendRetry.MaxAttempts {
			out.Status = SendFailed
			out.SentAt = m.clock()
			m.metrics.ObserveOutbound(out.ProviderName, string(SendFailed))
			return out, err
		}
		m.logger.Warn("transient send error, retrying", "conversation_id", conversationID, "attempt", attempt, "delay", delay, "error", err)
		if serr := m.sleep(ctx, delay); serr != nil {
			out.Status = SendFailed
			out.SentAt = m.clock()
			m.metrics.ObserveOutbound(out.ProviderName, string(SendFailed))
			return out, err
		}
		delay = min(delay*2, m.cfg.SendRetry.MaxDelay)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func validateSlots(slots []SlotOffer) error {
	if len(slots) == 0 {
		return fmt.Errorf("%w: at least one slot required", ErrInvalidRequest)
	}
	for i, s := range slots {
		if s.ID == "" && s.Label == "" {
			return fmt.Errorf("%w: slot %d needs an id or label", ErrInvalidRequest, i+1)
		}
	}
	return nil
}
