package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/internal/gateway"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

// ConversationEngine is the slice of the state machine the API drives.
type ConversationEngine interface {
	Start(ctx context.Context, req conversation.StartRequest) (*conversation.Conversation, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	Reoffer(ctx context.Context, id string, slots []conversation.SlotOffer) (*conversation.Conversation, error)
}

// StatusChecker looks up provider delivery status.
type StatusChecker interface {
	Name() string
	Status(ctx context.Context, providerResponseID string) (gateway.DeliveryStatus, error)
}

// ConversationsHandler serves the management API used by the scheduling
// workflow that starts offers and reads their outcome.
type ConversationsHandler struct {
	engine ConversationEngine
	status StatusChecker
	logger *logging.Logger
}

func NewConversationsHandler(engine ConversationEngine, status StatusChecker, logger *logging.Logger) *ConversationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ConversationsHandler{engine: engine, status: status, logger: logger}
}

// Routes returns the /v1 API.
func (h *ConversationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/conversations", h.StartConversation)
	r.Get("/conversations/{id}", h.GetConversation)
	r.Post("/conversations/{id}/offers", h.Reoffer)
	r.Get("/messages/{providerResponseID}/status", h.MessageStatus)
	return r
}

type startConversationRequest struct {
	ID                 string                   `json:"conversation_id,omitempty"`
	DestinationAddress string                   `json:"destination_address"`
	Slots              []conversation.SlotOffer `json:"slots"`
	Metadata           map[string]string        `json:"metadata,omitempty"`
}

type reofferRequest struct {
	Slots []conversation.SlotOffer `json:"slots"`
}

// StartConversation creates a conversation and sends the first offer. The
// response carries the state after delivery, which may already be FAILED.
func (h *ConversationsHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	conv, err := h.engine.Start(r.Context(), conversation.StartRequest{
		ID:                 req.ID,
		DestinationAddress: req.DestinationAddress,
		Slots:              req.Slots,
		Metadata:           req.Metadata,
	})
	if err != nil {
		h.fail(w, "start conversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationsHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Reoffer answers a refinement request with a new round of slots.
func (h *ConversationsHandler) Reoffer(w http.ResponseWriter, r *http.Request) {
	var req reofferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	conv, err := h.engine.Reoffer(r.Context(), chi.URLParam(r, "id"), req.Slots)
	if err != nil {
		h.fail(w, "reoffer", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationsHandler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusNotImplemented, "status lookup not configured")
		return
	}
	id := chi.URLParam(r, "providerResponseID")
	status, err := h.status.Status(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"provider":             h.status.Name(),
			"provider_response_id": id,
			"status":               string(status),
		})
	case gateway.IsPermanent(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Warn("provider status lookup failed", "provider_response_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "provider unavailable")
	}
}

func (h *ConversationsHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrActiveConversation),
		errors.Is(err, conversation.ErrConversationExists),
		errors.Is(err, conversation.ErrClosed),
		errors.Is(err, conversation.ErrNotAwaitingReply):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
