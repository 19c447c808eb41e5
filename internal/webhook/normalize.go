// Package webhook turns provider callbacks into canonical inbound messages and
// routes them to the conversation that is waiting for them.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/slot-offer-engine/internal/gateway"
)

const ProviderAWS = "aws"

var (
	// ErrMalformed marks payloads that cannot be normalized.
	ErrMalformed = errors.New("webhook: malformed payload")
	// ErrNotMessage marks well-formed callbacks that carry no inbound message,
	// such as delivery receipts.
	ErrNotMessage = errors.New("webhook: not an inbound message")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func finish(msg gateway.InboundMessage, now time.Time) (gateway.InboundMessage, error) {
	msg.From = gateway.NormalizeAddress(msg.From)
	msg.To = gateway.NormalizeAddress(msg.To)
	if strings.TrimSpace(msg.ProviderMessageID) == "" {
		return gateway.InboundMessage{}, malformed("provider message id missing")
	}
	if msg.From == "" {
		return gateway.InboundMessage{}, malformed("sender missing")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	return msg, nil
}

// ParseTwilioForm reads a Twilio messaging webhook form post.
func ParseTwilioForm(form url.Values, now time.Time) (gateway.InboundMessage, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" && form.Get("MessageStatus") != "" {
		return gateway.InboundMessage{}, ErrNotMessage
	}
	return finish(gateway.InboundMessage{
		Provider:          gateway.ProviderTwilio,
		ProviderMessageID: sid,
		From:              form.Get("From"),
		To:                form.Get("To"),
		Body:              form.Get("Body"),
	}, now)
}

type telnyxEvent struct {
	ID         string
	EventType  string
	OccurredAt time.Time
	Payload    json.RawMessage
}

type telnyxMessagePayload struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	From       struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	To []struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"to"`
	FromNumberRaw string `json:"from_number"`
}

func (p telnyxMessagePayload) fromNumber() string {
	if v := strings.TrimSpace(p.From.PhoneNumber); v != "" {
		return v
	}
	return strings.TrimSpace(p.FromNumberRaw)
}

func (p telnyxMessagePayload) toNumber() string {
	if len(p.To) > 0 {
		return strings.TrimSpace(p.To[0].PhoneNumber)
	}
	return ""
}

// parseTelnyxEvent accepts the v2 event shape (data wrapper) and the bare
// message record some Telnyx integrations post.
func parseTelnyxEvent(body []byte) (telnyxEvent, error) {
	var wrapper struct {
		Data struct {
			ID         string          `json:"id"`
			EventType  string          `json:"event_type"`
			OccurredAt time.Time       `json:"occurred_at"`
			Payload    json.RawMessage `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Data.ID != "" {
		return telnyxEvent{
			ID:         wrapper.Data.ID,
			EventType:  wrapper.Data.EventType,
			OccurredAt: wrapper.Data.OccurredAt,
			Payload:    wrapper.Data.Payload,
		}, nil
	}

	var record struct {
		ID         string    `json:"id"`
		RecordType string    `json:"record_type"`
		ReceivedAt time.Time `json:"received_at"`
		Direction  string    `json:"direction"`
	}
	if err := json.Unmarshal(body, &record); err != nil {
		return telnyxEvent{}, malformed("telnyx json: %v", err)
	}
	eventType := ""
	switch {
	case record.RecordType == "message" && record.Direction == "inbound":
		eventType = "message.received"
	case record.RecordType == "message":
		eventType = "message.delivery_status"
	}
	return telnyxEvent{ID: record.ID, EventType: eventType, OccurredAt: record.ReceivedAt, Payload: body}, nil
}

// ParseTelnyx reads a Telnyx messaging webhook body.
func ParseTelnyx(body []byte, now time.Time) (gateway.InboundMessage, error) {
	evt, err := parseTelnyxEvent(body)
	if err != nil {
		return gateway.InboundMessage{}, err
	}
	if evt.EventType != "message.received" {
		return gateway.InboundMessage{}, ErrNotMessage
	}
	var payload telnyxMessagePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return gateway.InboundMessage{}, malformed("telnyx payload: %v", err)
	}
	id := payload.ID
	if id == "" {
		id = evt.ID
	}
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = evt.OccurredAt
	}
	return finish(gateway.InboundMessage{
		Provider:          gateway.ProviderTelnyx,
		ProviderMessageID: id,
		From:              payload.fromNumber(),
		To:                payload.toNumber(),
		Body:              payload.Text,
		ReceivedAt:        receivedAt,
	}, now)
}

// awsTwoWaySMS is the inbound message document AWS End User Messaging
// publishes for two-way SMS.
type awsTwoWaySMS struct {
	OriginationNumber string `json:"originationNumber"`
	DestinationNumber string `json:"destinationNumber"`
	MessageBody       string `json:"messageBody"`
	InboundMessageID  string `json:"inboundMessageId"`
}

// SubscriptionConfirmation is returned when SNS asks the endpoint to confirm
// a subscription. Confirmation is an operator action.
type SubscriptionConfirmation struct {
	TopicArn     string
	SubscribeURL string
}

func (s *SubscriptionConfirmation) Error() string {
	return "webhook: sns subscription confirmation for " + s.TopicArn
}

func (s *SubscriptionConfirmation) Is(target error) bool { return target == ErrNotMessage }

// ParseAWS reads an SNS notification or an EventBridge event wrapping an AWS
// End User Messaging two-way SMS message.
func ParseAWS(body []byte, now time.Time) (gateway.InboundMessage, error) {
	var envelope struct {
		Type         string          `json:"Type"`
		MessageID    string          `json:"MessageId"`
		TopicArn     string          `json:"TopicArn"`
		Message      string          `json:"Message"`
		Timestamp    time.Time       `json:"Timestamp"`
		SubscribeURL string          `json:"SubscribeURL"`
		DetailType   string          `json:"detail-type"`
		Detail       json.RawMessage `json:"detail"`
		Time         time.Time       `json:"time"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return gateway.InboundMessage{}, malformed("aws json: %v", err)
	}

	var (
		raw        []byte
		receivedAt time.Time
		fallbackID string
	)
	switch {
	case envelope.Type == "SubscriptionConfirmation":
		return gateway.InboundMessage{}, &SubscriptionConfirmation{TopicArn: envelope.TopicArn, SubscribeURL: envelope.SubscribeURL}
	case envelope.Type == "Notification":
		raw, receivedAt, fallbackID = []byte(envelope.Message), envelope.Timestamp, envelope.MessageID
	case len(envelope.Detail) > 0:
		raw, receivedAt = envelope.Detail, envelope.Time
	case envelope.Type != "":
		return gateway.InboundMessage{}, ErrNotMessage
	default:
		return gateway.InboundMessage{}, malformed("aws payload is neither SNS nor EventBridge")
	}

	var sms awsTwoWaySMS
	if err := json.Unmarshal(raw, &sms); err != nil {
		return gateway.InboundMessage{}, malformed("aws message: %v", err)
	}
	if sms.OriginationNumber == "" && sms.MessageBody == "" {
		return gateway.InboundMessage{}, ErrNotMessage
	}
	id := sms.InboundMessageID
	if id == "" {
		id = fallbackID
	}
	return finish(gateway.InboundMessage{
		Provider:          ProviderAWS,
		ProviderMessageID: id,
		From:              sms.OriginationNumber,
		To:                sms.DestinationNumber,
		Body:              sms.MessageBody,
		ReceivedAt:        receivedAt,
	}, now)
}

// ParseCanonical reads the engine's own
// {provider_message_id, from, body, received_at} shape.
func ParseCanonical(body []byte, now time.Time) (gateway.InboundMessage, error) {
	var msg gateway.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return gateway.InboundMessage{}, malformed("canonical json: %v", err)
	}
	if msg.Provider == "" {
		msg.Provider = "canonical"
	}
	return finish(msg, now)
}
