package conversation

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

var coordinatorTracer = otel.Tracer("slotoffer.internal.conversation.coordinator")

const (
	ReasonBookingFailed         = "booking_failed"
	ReasonBookingError          = "booking_error"
	ReasonBookingOutcomeUnknown = "booking_outcome_unknown"
)

// Resolution is the terminal outcome of a booking attempt.
type Resolution struct {
	State    State
	Result   *BookingResult
	Reason   string
	Escalate bool
}

func (r Resolution) apply(c *Conversation, at time.Time) {
	if r.Result != nil {
		res := *r.Result
		c.BookingResult = &res
	}
	c.FailureReason = r.Reason
	c.Escalated = c.Escalated || r.Escalate
	event := "booking_succeeded"
	if r.State != StateBooked {
		event = r.Reason
	}
	c.moveTo(r.State, event, at)
}

// Coordinator runs the single booking call for a conversation in SELECTING.
// It never retries; a failed booking is terminal and escalated.
type Coordinator struct {
	booker  Booker
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
}

func NewCoordinator(booker Booker, logger *logging.Logger) *Coordinator {
	if booker == nil {
		panic("conversation: booker cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{booker: booker, now: time.Now, logger: logger}
}

// WithTimeout bounds each booking call. Zero leaves the caller's deadline.
func (c *Coordinator) WithTimeout(d time.Duration) *Coordinator {
	c.timeout = d
	return c
}

// Complete books the selected slot and maps the result to BOOKED or FAILED.
func (c *Coordinator) Complete(ctx context.Context, conv *Conversation) Resolution {
	slot, ok := conv.SelectedSlot()
	if !ok {
		c.logger.Error("selecting conversation has no valid selected slot", "conversation_id", conv.ID)
		return Resolution{State: StateFailed, Reason: ReasonBookingError, Escalate: true}
	}

	ctx, span := coordinatorTracer.Start(ctx, "conversation.coordinator.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("slot.id", slot.ID),
	)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	result, err := c.booker.Book(ctx, slot)
	if result.CompletedAt.IsZero() {
		result.CompletedAt = c.now().UTC()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "booking call failed")
		kind := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		c.logger.Error("booking call failed", "conversation_id", conv.ID, "slot_id", slot.ID, "error", err)
		result.Success = false
		if result.ErrorKind == "" {
			result.ErrorKind = kind
		}
		return Resolution{State: StateFailed, Result: &result, Reason: ReasonBookingError, Escalate: true}
	}
	if !result.Success {
		span.SetStatus(codes.Error, "booking rejected")
		c.logger.Warn("booking rejected", "conversation_id", conv.ID, "slot_id", slot.ID, "error_kind", result.ErrorKind)
		return Resolution{State: StateFailed, Result: &result, Reason: ReasonBookingFailed, Escalate: true}
	}
	span.SetAttributes(attribute.String("booking.reference", result.Reference))
	c.logger.Info("slot booked", "conversation_id", conv.ID, "slot_id", slot.ID, "booking_reference", result.Reference)
	return Resolution{State: StateBooked, Result: &result}
}
