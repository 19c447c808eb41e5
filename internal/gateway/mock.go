package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoInboundSink is returned by InjectReply when nothing consumes replies.
var ErrNoInboundSink = errors.New("gateway: mock inbound sink not configured")

// InboundSink receives replies injected through the mock provider.
type InboundSink func(ctx context.Context, msg InboundMessage) error

// MockMessage is one message accepted by the mock provider.
type MockMessage struct {
	ProviderResponseID string    `json:"provider_response_id"`
	To                 string    `json:"to"`
	Body               string    `json:"body"`
	SentAt             time.Time `json:"sent_at"`
}

// MockGateway is a deterministic in-memory provider. It never performs
// network I/O and numbers its outbound ids sequentially. Inbound ids are
// random so replies stay distinct across restarts that share a processed
// store.
type MockGateway struct {
	mu       sync.Mutex
	outSeq   int
	outbox   []MockMessage
	statuses map[string]DeliveryStatus
	scripted []error
	sink     InboundSink
	now      func() time.Time
}

var _ Gateway = (*MockGateway)(nil)

func NewMockGateway() *MockGateway {
	return &MockGateway{
		statuses: make(map[string]DeliveryStatus),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (g *MockGateway) WithClock(now func() time.Time) *MockGateway {
	if now != nil {
		g.now = now
	}
	return g
}

func (g *MockGateway) Name() string { return ProviderMock }

// Send records the message. Scripted failures queued by FailNext are
// consumed first, one per call.
func (g *MockGateway) Send(ctx context.Context, to, body string) (SendResult, error) {
	if err := checkDestination(ProviderMock, to); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(body) == "" {
		return SendResult{}, Permanent(ProviderMock, errors.New("body required"))
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.scripted) > 0 {
		err := g.scripted[0]
		g.scripted = g.scripted[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	g.outSeq++
	id := fmt.Sprintf("mock-%06d", g.outSeq)
	g.outbox = append(g.outbox, MockMessage{ProviderResponseID: id, To: to, Body: body, SentAt: g.now()})
	g.statuses[id] = StatusDelivered
	return SendResult{Provider: ProviderMock, ProviderResponseID: id, Status: StatusSent}, nil
}

// Status returns delivered for every message the mock accepted.
func (g *MockGateway) Status(_ context.Context, providerResponseID string) (DeliveryStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[providerResponseID]
	if !ok {
		return "", Permanent(ProviderMock, fmt.Errorf("unknown message %q", providerResponseID))
	}
	return status, nil
}

// FailNext scripts the outcome of the next len(errs) sends. A nil entry lets
// that send succeed.
func (g *MockGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted = append(g.scripted, errs...)
}

// Outbox returns a copy of every accepted message in send order.
func (g *MockGateway) Outbox() []MockMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MockMessage, len(g.outbox))
	copy(out, g.outbox)
	return out
}

// LastTo returns the most recent message sent to addr.
func (g *MockGateway) LastTo(addr string) (MockMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.outbox) - 1; i >= 0; i-- {
		if g.outbox[i].To == addr {
			return g.outbox[i], true
		}
	}
	return MockMessage{}, false
}

// SetInboundSink registers the consumer for injected replies.
func (g *MockGateway) SetInboundSink(sink InboundSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// InjectReply simulates a reply from addr and hands it to the inbound sink.
func (g *MockGateway) InjectReply(ctx context.Context, from, body string) (InboundMessage, error) {
	g.mu.Lock()
	msg := InboundMessage{
		Provider:          ProviderMock,
		ProviderMessageID: "mock-in-" + uuid.NewString(),
		From:              NormalizeAddress(from),
		Body:              body,
		ReceivedAt:        g.now(),
	}
	sink := g.sink
	g.mu.Unlock()

	if sink == nil {
		return msg, ErrNoInboundSink
	}
	return msg, sink(ctx, msg)
}

// Reset clears the outbox, scripted failures and the outbound counter.
func (g *MockGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outSeq = 0
	g.outbox = nil
	g.scripted = nil
	g.statuses = make(map[string]DeliveryStatus)
}
