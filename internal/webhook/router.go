package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/internal/events"
	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

var routerTracer = otel.Tracer("slotoffer.internal.webhook.router")

// Outcome describes what happened to one inbound message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
)

// AddressResolver finds the conversation currently waiting on an address.
type AddressResolver interface {
	FindActiveByAddress(ctx context.Context, address string) (string, error)
}

// ReplyApplier feeds a reply into a conversation.
type ReplyApplier interface {
	ApplyReply(ctx context.Context, id string, msg gateway.InboundMessage) (*conversation.Conversation, error)
}

// Metrics receives inbound routing observations.
type Metrics interface {
	ObserveInbound(provider, outcome string)
	ObserveWebhookLatency(provider string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveInbound(string, string)               {}
func (noopMetrics) ObserveWebhookLatency(string, time.Duration) {}

// Router delivers normalized inbound messages to their conversation exactly
// once per provider message id.
type Router struct {
	processed events.ProcessedStore
	resolver  AddressResolver
	applier   ReplyApplier
	metrics   Metrics
	logger    *logging.Logger
}

func NewRouter(processed events.ProcessedStore, resolver AddressResolver, applier ReplyApplier, logger *logging.Logger) *Router {
	if processed == nil {
		panic("webhook: processed store cannot be nil")
	}
	if resolver == nil || applier == nil {
		panic("webhook: resolver and applier are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{processed: processed, resolver: resolver, applier: applier, metrics: noopMetrics{}, logger: logger}
}

// WithMetrics attaches an observer. Nil is ignored.
func (r *Router) WithMetrics(m Metrics) *Router {
	if m != nil {
		r.metrics = m
	}
	return r
}

// Dispatch routes msg. Errors are only returned for failures the provider
// should retry by redelivering the callback.
func (r *Router) Dispatch(ctx context.Context, msg gateway.InboundMessage) (Outcome, error) {
	ctx, span := routerTracer.Start(ctx, "webhook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("inbound.provider", msg.Provider),
		attribute.String("inbound.provider_message_id", msg.ProviderMessageID),
	)
	log := r.logger.With("provider", msg.Provider, "provider_message_id", msg.ProviderMessageID)

	seen, err := r.processed.AlreadyProcessed(ctx, msg.Provider, msg.ProviderMessageID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("webhook: check processed: %w", err)
	}
	if seen {
		log.Debug("duplicate inbound message acknowledged")
		return r.done(msg, OutcomeDuplicate), nil
	}

	id, err := r.resolver.FindActiveByAddress(ctx, msg.From)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("webhook: resolve address: %w", err)
	}
	if id == "" {
		log.Info("no active conversation for sender", "from", msg.From)
		if err := r.mark(ctx, msg); err != nil {
			return "", err
		}
		return r.done(msg, OutcomeUnmatched), nil
	}
	span.SetAttributes(attribute.String("conversation.id", id))

	conv, err := r.applier.ApplyReply(ctx, id, msg)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		log.Warn("active index pointed at a missing conversation", "conversation_id", id)
		if err := r.mark(ctx, msg); err != nil {
			return "", err
		}
		return r.done(msg, OutcomeUnmatched), nil
	case errors.Is(err, conversation.ErrNotAwaitingReply):
		// Left unmarked so a provider redelivery can still apply it.
		log.Warn("reply arrived before the offer was delivered", "conversation_id", id)
		return "", fmt.Errorf("webhook: apply reply to %s: %w", id, err)
	case err != nil:
		span.RecordError(err)
		return "", fmt.Errorf("webhook: apply reply to %s: %w", id, err)
	}
	if err := r.mark(ctx, msg); err != nil {
		return "", err
	}
	log.Info("inbound reply applied", "conversation_id", id, "state", conv.State)
	return r.done(msg, OutcomeApplied), nil
}

// Sink adapts the router to the mock gateway's inbound hook.
func (r *Router) Sink() gateway.InboundSink {
	return func(ctx context.Context, msg gateway.InboundMessage) error {
		_, err := r.Dispatch(ctx, msg)
		return err
	}
}

func (r *Router) mark(ctx context.Context, msg gateway.InboundMessage) error {
	if _, err := r.processed.MarkProcessed(ctx, msg.Provider, msg.ProviderMessageID); err != nil {
		return fmt.Errorf("webhook: mark processed: %w", err)
	}
	return nil
}

func (r *Router) done(msg gateway.InboundMessage, outcome Outcome) Outcome {
	r.metrics.ObserveInbound(msg.Provider, string(outcome))
	return outcome
}
