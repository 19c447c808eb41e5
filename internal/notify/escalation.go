package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// SMSSender texts staff.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// GatewaySMS sends staff texts through an outbound SMS gateway.
type GatewaySMS struct {
	Gateway gateway.Gateway
}

func (g GatewaySMS) SendSMS(ctx context.Context, to, body string) error {
	if g.Gateway == nil {
		return errors.New("notify: sms gateway not configured")
	}
	_, err := g.Gateway.Send(ctx, to, body)
	return err
}

// EscalationConfig names the staff recipients. Either may be empty.
type EscalationConfig struct {
	Email string
	Phone string
}

// Escalator tells staff about conversations that ended without a clean
// outcome and need a human to follow up.
type Escalator struct {
	mail   Mailer
	sms    SMSSender
	cfg    EscalationConfig
	logger *logging.Logger
}

var _ conversation.Escalator = (*Escalator)(nil)

func NewEscalator(mailer Mailer, sms SMSSender, cfg EscalationConfig, logger *logging.Logger) *Escalator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Escalator{mail: mailer, sms: sms, cfg: cfg, logger: logger}
}

// Escalate sends every configured notification and reports the first failure
// after attempting all of them.
func (e *Escalator) Escalate(ctx context.Context, conv *conversation.Conversation) error {
	log := e.logger.With("conversation_id", conv.ID, "reason", conv.FailureReason)
	var errs []error

	if e.mail != nil && e.cfg.Email != "" {
		m := Mail{
			To:      Address{Email: e.cfg.Email},
			Subject: fmt.Sprintf("Scheduling follow-up needed: %s", conv.DestinationAddress),
			Text:    escalationText(conv),
			HTML:    escalationHTML(conv),
		}
		if err := e.mail.Deliver(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	if e.sms != nil && e.cfg.Phone != "" {
		body := fmt.Sprintf("Scheduling follow-up: %s ended %s (%s). Conversation %s.",
			conv.DestinationAddress, conv.State, reasonOrUnknown(conv.FailureReason), conv.ID)
		if err := e.sms.SendSMS(ctx, e.cfg.Phone, body); err != nil {
			errs = append(errs, err)
		}
	}

	if e.cfg.Email == "" && e.cfg.Phone == "" {
		log.Warn("escalation has no configured recipient")
		return nil
	}
	if len(errs) > 0 {
		log.Error("escalation delivery failed", "failures", len(errs))
		return fmt.Errorf("notify: %d escalation notification(s) failed: %w", len(errs), errors.Join(errs...))
	}
	log.Info("conversation escalated to staff")
	return nil
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}

type escalationField struct {
	label string
	value string
}

func escalationFields(conv *conversation.Conversation) []escalationField {
	fields := []escalationField{
		{"Recipient", conv.DestinationAddress},
		{"Conversation", conv.ID},
		{"State", string(conv.State)},
		{"Reason", reasonOrUnknown(conv.FailureReason)},
		{"Started", conv.CreatedAt.UTC().Format(time.RFC1123)},
		{"Ended", conv.UpdatedAt.UTC().Format(time.RFC1123)},
	}
	if slot, ok := conv.SelectedSlot(); ok {
		fields = append(fields, escalationField{"Selected slot", slot.DisplayLabel()})
	}
	if conv.LastReply != "" {
		fields = append(fields, escalationField{"Last reply", truncate(conv.LastReply, 160)})
	}
	if conv.BookingResult != nil && conv.BookingResult.ErrorKind != "" {
		fields = append(fields, escalationField{"Booking error", conv.BookingResult.ErrorKind})
	}
	return fields
}

func escalationText(conv *conversation.Conversation) string {
	var b strings.Builder
	b.WriteString("A scheduling conversation needs a human follow-up.\n\n")
	for _, f := range escalationFields(conv) {
		fmt.Fprintf(&b, "%s: %s\n", f.label, f.value)
	}
	return b.String()
}

func escalationHTML(conv *conversation.Conversation) string {
	var b strings.Builder
	b.WriteString("<p>A scheduling conversation needs a human follow-up.</p><table>")
	for _, f := range escalationFields(conv) {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td>%s</td></tr>", html.EscapeString(f.label), html.EscapeString(f.value))
	}
	b.WriteString("</table>")
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
