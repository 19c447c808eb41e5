// Package booking provides the Booker implementations the scheduling
// coordinator calls when a recipient picks a slot.
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/slot-offer-engine/internal/conversation"
	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

const defaultTimeout = 10 * time.Second

var tracer = otel.Tracer("slotoffer.internal.booking")

// ErrorKind values reported in BookingResult when the service refuses a slot.
const (
	KindSlotUnavailable = "slot_unavailable"
	KindRejected        = "rejected"
)

// HTTPClient books slots against an external booking service that accepts
// a JSON POST to {baseURL}/bookings.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ conversation.Booker = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

func NewHTTPClient(baseURL, token string, logger *logging.Logger, opts ...Option) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bookRequest struct {
	SlotID     string            `json:"slot_id"`
	Label      string            `json:"label,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type bookResponse struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// Book submits one booking. A 2xx response is decoded as the result, a 409 or
// 422 is a definitive refusal and anything else is returned as an error so
// the coordinator records the outcome as a failed call.
func (c *HTTPClient) Book(ctx context.Context, slot conversation.SlotOffer) (conversation.BookingResult, error) {
	ctx, span := tracer.Start(ctx, "booking.http.book")
	defer span.End()
	span.SetAttributes(attribute.String("booking.slot_id", slot.ID))

	payload, err := json.Marshal(bookRequest{SlotID: slot.ID, Label: slot.Label, Attributes: slot.Attributes})
	if err != nil {
		return conversation.BookingResult{}, fmt.Errorf("booking: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bookings", bytes.NewReader(payload))
	if err != nil {
		return conversation.BookingResult{}, fmt.Errorf("booking: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return conversation.BookingResult{}, fmt.Errorf("booking: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return conversation.BookingResult{}, fmt.Errorf("booking: read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var decoded bookResponse
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(body, &decoded); err != nil {
			return conversation.BookingResult{}, fmt.Errorf("booking: decode response: %w", err)
		}
		if !decoded.Success && decoded.Error == "" {
			decoded.Error = KindRejected
		}
		return conversation.BookingResult{Success: decoded.Success, Reference: decoded.Reference, ErrorKind: decoded.Error}, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		_ = json.Unmarshal(body, &decoded)
		kind := decoded.Error
		if kind == "" {
			kind = KindSlotUnavailable
			if resp.StatusCode == http.StatusUnprocessableEntity {
				kind = KindRejected
			}
		}
		c.logger.Info("booking refused", "slot_id", slot.ID, "status", resp.StatusCode, "error_kind", kind)
		return conversation.BookingResult{Success: false, ErrorKind: kind}, nil
	default:
		err := fmt.Errorf("booking: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body[:min(200, len(body))])))
		span.RecordError(err)
		return conversation.BookingResult{}, err
	}
}
