package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

var telnyxTracer = otel.Tracer("slotoffer.internal.gateway.telnyx")

const defaultTelnyxBaseURL = "https://api.telnyx.com/v2"

// TelnyxConfig holds the credentials for the Telnyx V2 messaging API.
type TelnyxConfig struct {
	APIKey             string
	MessagingProfileID string
	FromNumber         string
	BaseURL            string
	HTTPClient         *http.Client
}

// TelnyxGateway posts SMS messages using Telnyx's V2 API.
type TelnyxGateway struct {
	cfg    TelnyxConfig
	client *http.Client
	logger *logging.Logger
}

var _ Gateway = (*TelnyxGateway)(nil)

// NewTelnyxGateway builds a gateway for the Telnyx V2 API.
func NewTelnyxGateway(cfg TelnyxConfig, logger *logging.Logger) *TelnyxGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelnyxBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &TelnyxGateway{cfg: cfg, client: client, logger: logger}
}

func (g *TelnyxGateway) Name() string { return ProviderTelnyx }

type telnyxMessageEnvelope struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		To     []struct {
			PhoneNumber string `json:"phone_number"`
			Status      string `json:"status"`
		} `json:"to"`
	} `json:"data"`
}

// Send dispatches a single SMS.
func (g *TelnyxGateway) Send(ctx context.Context, to, body string) (SendResult, error) {
	if err := checkDestination(ProviderTelnyx, to); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(body) == "" {
		return SendResult{}, Permanent(ProviderTelnyx, errors.New("body required"))
	}
	if g.cfg.APIKey == "" {
		return SendResult{}, Permanent(ProviderTelnyx, errors.New("api key missing"))
	}

	ctx, span := telnyxTracer.Start(ctx, "gateway.telnyx.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("sms.to", to))

	payload := map[string]string{
		"to":   to,
		"text": body,
	}
	if g.cfg.FromNumber != "" {
		payload["from"] = g.cfg.FromNumber
	}
	if g.cfg.MessagingProfileID != "" {
		payload["messaging_profile_id"] = g.cfg.MessagingProfileID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, Permanent(ProviderTelnyx, fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return SendResult{}, Permanent(ProviderTelnyx, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, err := do(ctx, g.client, ProviderTelnyx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		g.logger.Warn("telnyx send failed", "to", to, "error", err)
		return SendResult{}, err
	}
	var env telnyxMessageEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil || env.Data.ID == "" {
		// Accepted but unreadable: the message may be in flight, so this is not retryable.
		return SendResult{}, Permanent(ProviderTelnyx, fmt.Errorf("unexpected send response: %s", truncate(respBody)))
	}
	status := telnyxStatus(env.Data.Status)
	if len(env.Data.To) > 0 && env.Data.To[0].Status != "" {
		status = telnyxStatus(env.Data.To[0].Status)
	}
	span.SetAttributes(attribute.String("sms.provider_response_id", env.Data.ID))
	g.logger.Info("telnyx sms sent", "to", to, "provider_response_id", env.Data.ID, "status", status)
	return SendResult{Provider: ProviderTelnyx, ProviderResponseID: env.Data.ID, Status: status}, nil
}

// Status fetches the current delivery state of a message.
func (g *TelnyxGateway) Status(ctx context.Context, providerResponseID string) (DeliveryStatus, error) {
	if strings.TrimSpace(providerResponseID) == "" {
		return "", Permanent(ProviderTelnyx, errors.New("provider response id required"))
	}
	ctx, span := telnyxTracer.Start(ctx, "gateway.telnyx.status", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/messages/"+url.PathEscape(providerResponseID), nil)
	if err != nil {
		return "", Permanent(ProviderTelnyx, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	respBody, err := do(ctx, g.client, ProviderTelnyx, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var env telnyxMessageEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return "", Permanent(ProviderTelnyx, fmt.Errorf("decode status: %w", err))
	}
	if len(env.Data.To) > 0 && env.Data.To[0].Status != "" {
		return telnyxStatus(env.Data.To[0].Status), nil
	}
	return telnyxStatus(env.Data.Status), nil
}

func telnyxStatus(raw string) DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent", "delivery_unconfirmed":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "sending_failed", "delivery_failed", "failed":
		return StatusFailed
	default:
		return StatusQueued
	}
}

func truncate(b []byte) string {
	if len(b) > 128 {
		return string(b[:128]) + "..."
	}
	return string(b)
}
