// Package gateway provides a uniform send/status contract over SMS transport
// providers, plus the policy that picks which provider a deployment uses.
package gateway

import (
	"context"
	"time"
)

const (
	ProviderTelnyx = "telnyx"
	ProviderTwilio = "twilio"
	ProviderMock   = "mock"
)

// DeliveryStatus is the provider-neutral delivery state of an outbound message.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Gateway sends SMS through one transport provider. Implementations perform
// exactly one provider call per Send and never retry; callers own retry policy.
type Gateway interface {
	Name() string
	Send(ctx context.Context, to, body string) (SendResult, error)
	Status(ctx context.Context, providerResponseID string) (DeliveryStatus, error)
}

// SendResult is what a provider reports after accepting a message.
type SendResult struct {
	Provider           string         `json:"provider"`
	ProviderResponseID string         `json:"provider_response_id"`
	Status             DeliveryStatus `json:"status"`
}

// InboundMessage is a reply received from a provider, normalized to the
// canonical webhook shape. From is the conversation's destination address.
type InboundMessage struct {
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	From              string    `json:"from"`
	To                string    `json:"to,omitempty"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
}
