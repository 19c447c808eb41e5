package webhook

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const maxWebhookBody = 1 << 20

// HandlerConfig holds provider verification secrets. Empty secrets disable
// verification for that provider.
type HandlerConfig struct {
	TwilioAuthToken string
	TelnyxSecret    string
	PublicBaseURL   string
	MaxSkew         time.Duration
}

// Handler exposes the provider webhook endpoints.
type Handler struct {
	router *Router
	cfg    HandlerConfig
	telnyx *TelnyxVerifier
	logger *logging.Logger
	now    func() time.Time
}

func NewHandler(router *Router, cfg HandlerConfig, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{router: router, cfg: cfg, logger: logger, now: time.Now}
	if cfg.TelnyxSecret != "" {
		h.telnyx = NewTelnyxVerifier(cfg.TelnyxSecret, cfg.MaxSkew)
	}
	return h
}

// Mount registers the webhook routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/twilio", h.Twilio)
	r.Post("/webhooks/telnyx", h.Telnyx)
	r.Post("/webhooks/aws", h.AWS)
	r.Post("/webhooks/inbound", h.Canonical)
}

// Twilio handles form-encoded messaging callbacks and answers with empty TwiML.
func (h *Handler) Twilio(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.observe(gateway.ProviderTwilio, start)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		h.logger.Warn("twilio webhook form unreadable", "error", err)
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	if h.cfg.TwilioAuthToken != "" {
		webhookURL := absoluteURL(r, h.cfg.PublicBaseURL)
		if !ValidTwilioSignature(r.Header.Get(twilioSignatureHeader), h.cfg.TwilioAuthToken, webhookURL, r.PostForm) {
			h.logger.Warn("twilio signature rejected", "url", webhookURL)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	msg, err := ParseTwilioForm(r.PostForm, h.now())
	if !h.dispatch(w, r, gateway.ProviderTwilio, msg, err) {
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}

func (h *Handler) Telnyx(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.observe(gateway.ProviderTelnyx, start)

	body, ok := h.readBody(w, r, gateway.ProviderTelnyx)
	if !ok {
		return
	}
	if h.telnyx != nil {
		if err := h.telnyx.VerifyRequest(r, body); err != nil {
			h.logger.Warn("telnyx signature rejected", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	msg, err := ParseTelnyx(body, h.now())
	if h.dispatch(w, r, gateway.ProviderTelnyx, msg, err) {
		w.WriteHeader(http.StatusOK)
	}
}

// AWS handles SNS and EventBridge deliveries of two-way SMS. SNS
// subscription confirmations are logged for an operator and acknowledged.
func (h *Handler) AWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.observe(ProviderAWS, start)

	body, ok := h.readBody(w, r, ProviderAWS)
	if !ok {
		return
	}
	msg, err := ParseAWS(body, h.now())
	var confirm *SubscriptionConfirmation
	if errors.As(err, &confirm) {
		h.logger.Info("sns subscription confirmation received", "topic_arn", confirm.TopicArn, "subscribe_url", confirm.SubscribeURL)
	}
	if h.dispatch(w, r, ProviderAWS, msg, err) {
		w.WriteHeader(http.StatusOK)
	}
}

// Canonical accepts already-normalized messages from trusted internal callers.
func (h *Handler) Canonical(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer h.observe("canonical", start)

	body, ok := h.readBody(w, r, "canonical")
	if !ok {
		return
	}
	msg, err := ParseCanonical(body, h.now())
	if !h.dispatch(w, r, "canonical", msg, err) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("webhook body unreadable", "provider", provider, "error", err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// dispatch writes the error response for parse and routing failures and
// reports whether the caller should write its success response.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, provider string, msg gateway.InboundMessage, parseErr error) bool {
	switch {
	case errors.Is(parseErr, ErrNotMessage):
		h.router.metrics.ObserveInbound(provider, "ignored")
		w.WriteHeader(http.StatusNoContent)
		return false
	case parseErr != nil:
		h.logger.Warn("malformed webhook discarded", "provider", provider, "error", parseErr)
		h.router.metrics.ObserveInbound(provider, "malformed")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return false
	}
	_, err := h.router.Dispatch(r.Context(), msg)
	if errors.Is(err, conversation.ErrNotAwaitingReply) {
		h.router.metrics.ObserveInbound(provider, "deferred")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "conversation not ready", http.StatusServiceUnavailable)
		return false
	}
	if err != nil {
		h.logger.Error("inbound dispatch failed", "provider", provider, "provider_message_id", msg.ProviderMessageID, "error", err)
		h.router.metrics.ObserveInbound(provider, "error")
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *Handler) observe(provider string, start time.Time) {
	h.router.metrics.ObserveWebhookLatency(provider, time.Since(start))
}
