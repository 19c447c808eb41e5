package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slotoffer"

// ConversationMetrics exposes counters and histograms for the offer engine.
// A nil *ConversationMetrics is a valid no-op.
type ConversationMetrics struct {
	transitions    *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	bookingTotal   *prometheus.CounterVec
	sweepTotal     *prometheus.CounterVec
	inboundTotal   *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "State transitions committed by the conversation machine",
		}, []string{"from", "to"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "outbound_total",
			Help:      "Outbound SMS send attempts by provider and result",
		}, []string{"provider", "status"}),
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking calls by outcome",
		}, []string{"outcome"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "conversations_total",
			Help:      "Conversations examined by the sweeper, by outcome",
		}, []string{"outcome"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound provider callbacks by outcome",
		}, []string{"provider", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitions, m.outboundTotal, m.bookingTotal, m.sweepTotal, m.inboundTotal, m.webhookLatency)
	return m
}

func (m *ConversationMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ConversationMetrics) ObserveOutbound(provider, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(provider, status).Inc()
}

func (m *ConversationMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweepTotal.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveInbound(provider, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *ConversationMetrics) ObserveWebhookLatency(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}
