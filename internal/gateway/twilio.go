package gateway

import (
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

var twilioTracer = otel.Tracer("slotoffer.internal.gateway.twilio")

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds the credentials for Twilio's REST API.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioGateway sends SMS via Twilio's Messages resource.
type TwilioGateway struct {
	cfg    TwilioConfig
	client *http.Client
	logger *logging.Logger
}

var _ Gateway = (*TwilioGateway)(nil)

// NewTwilioGateway returns a gateway backed by Twilio.
func NewTwilioGateway(cfg TwilioConfig, logger *logging.Logger) *TwilioGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &TwilioGateway{cfg: cfg, client: client, logger: logger}
}

func (g *TwilioGateway) Name() string { return ProviderTwilio }

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send creates one Message resource.
func (g *TwilioGateway) Send(ctx context.Context, to, body string) (SendResult, error) {
	if err := checkDestination(ProviderTwilio, to); err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(body) == "" {
		return SendResult{}, Permanent(ProviderTwilio, errors.New("body required"))
	}
	if g.cfg.AccountSID == "" || g.cfg.AuthToken == "" || g.cfg.FromNumber == "" {
		return SendResult{}, Permanent(ProviderTwilio, errors.New("credentials or from number missing"))
	}

	ctx, span := twilioTracer.Start(ctx, "gateway.twilio.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("sms.to", to))

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", g.cfg.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", g.cfg.BaseURL, url.PathEscape(g.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, Permanent(ProviderTwilio, fmt.Errorf("build request: %w", err))
	}
	req.SetBasicAuth(g.cfg.AccountSID, g.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	respBody, err := do(ctx, g.client, ProviderTwilio, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		g.logger.Warn("twilio send failed", "to", to, "error", err)
		return SendResult{}, err
	}
	var msg twilioMessage
	if err := json.Unmarshal(respBody, &msg); err != nil || msg.SID == "" {
		return SendResult{}, Permanent(ProviderTwilio, fmt.Errorf("unexpected send response: %s", truncate(respBody)))
	}
	status := twilioStatus(msg.Status)
	span.SetAttributes(attribute.String("sms.provider_response_id", msg.SID))
	g.logger.Info("twilio sms sent", "to", to, "provider_response_id", msg.SID, "status", status)
	return SendResult{Provider: ProviderTwilio, ProviderResponseID: msg.SID, Status: status}, nil
}

// Status fetches a Message resource and maps its status.
func (g *TwilioGateway) Status(ctx context.Context, providerResponseID string) (DeliveryStatus, error) {
	if strings.TrimSpace(providerResponseID) == "" {
		return "", Permanent(ProviderTwilio, errors.New("provider response id required"))
	}
	ctx, span := twilioTracer.Start(ctx, "gateway.twilio.status", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages/%s.json", g.cfg.BaseURL, url.PathEscape(g.cfg.AccountSID), url.PathEscape(providerResponseID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", Permanent(ProviderTwilio, fmt.Errorf("build request: %w", err))
	}
	req.SetBasicAuth(g.cfg.AccountSID, g.cfg.AuthToken)
	respBody, err := do(ctx, g.client, ProviderTwilio, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var msg twilioMessage
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return "", Permanent(ProviderTwilio, fmt.Errorf("decode status: %w", err))
	}
	return twilioStatus(msg.Status), nil
}

func twilioStatus(raw string) DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return StatusSent
	case "delivered", "read":
		return StatusDelivered
	case "failed", "undelivered", "canceled":
		return StatusFailed
	default:
		return StatusQueued
	}
}
