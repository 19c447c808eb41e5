package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// EventLog exposes published outcome events held in memory.
type EventLog interface {
	Messages() []string
}

// DevMockHandler drives the mock SMS provider over HTTP for local testing.
// It must only be mounted when mock inbound is explicitly enabled.
type DevMockHandler struct {
	gw     *gateway.MockGateway
	events EventLog
	logger *logging.Logger
}

func NewDevMockHandler(gw *gateway.MockGateway, events EventLog, logger *logging.Logger) *DevMockHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &DevMockHandler{gw: gw, events: events, logger: logger}
}

func (h *DevMockHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/inbound", h.Inbound)
	r.Get("/outbox", h.Outbox)
	r.Get("/events", h.Events)
	return r
}

type mockInboundRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// Inbound simulates a reply arriving from the recipient.
func (h *DevMockHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	var req mockInboundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	msg, err := h.gw.InjectReply(r.Context(), req.From, req.Body)
	switch {
	case errors.Is(err, gateway.ErrNoInboundSink):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("mock inbound dispatch failed", "from", req.From, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *DevMockHandler) Outbox(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	messages := h.gw.Outbox()
	if to != "" {
		to = gateway.NormalizeAddress(to)
		filtered := messages[:0]
		for _, m := range messages {
			if m.To == to {
				filtered = append(filtered, m)
			}
		}
		messages = filtered
	}
	if messages == nil {
		messages = []gateway.MockMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// Events lists outcome events published to the in-memory queue.
func (h *DevMockHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "outcome events are not kept in memory")
		return
	}
	events := h.events.Messages()
	if events == nil {
		events = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
